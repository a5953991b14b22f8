//go:build !linux && !darwin

package sandbox

import "errors"

func runPythonWorker(WorkerOptions, *payload) (*report, error) {
	return nil, errors.New("python submissions need a unix host or the docker backend")
}
