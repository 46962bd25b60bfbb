package log

import "strconv"

// callerInfo is a resolved call site. Instances are cached by program
// counter, so the formatted string is computed once.
type callerInfo struct {
	file      string
	function  string
	line      int
	formatted string
}

var _UnknownCallerInfo = &callerInfo{file: "unknown", function: "unknown"}

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:      file,
		function:  function,
		line:      line,
		formatted: file + ":" + strconv.Itoa(line) + " " + function,
	}
}

// String ...
func (c *callerInfo) String() string {
	if c.formatted != "" {
		return c.formatted
	}
	return c.file + ":" + strconv.Itoa(c.line) + " " + c.function
}
