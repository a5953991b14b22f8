package sandbox

import _ "embed"

// harnessSource is run with python -I -B -c. It reads a childInput on
// stdin and writes its report to fd 3.
//
//go:embed harness.py
var harnessSource string
