package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"
)

// remoteValue renders a console argument the way it would print.
func remoteValue(o *runtime.RemoteObject) string {
	if o == nil {
		return ""
	}
	if o.UnserializableValue != "" {
		return string(o.UnserializableValue)
	}
	if len(o.Value) > 0 {
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			return s
		}
		return string(o.Value)
	}
	if o.Description != "" {
		return o.Description
	}
	return o.Type.String()
}

func consoleMessage(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, remoteValue(a))
	}
	return strings.Join(parts, " ")
}

func formatStackTrace(st *runtime.StackTrace) string {
	if st == nil {
		return ""
	}
	var b strings.Builder
	for _, cf := range st.CallFrames {
		name := cf.FunctionName
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(&b, "\n    at %s (%s:%d:%d)", name, cf.URL, cf.LineNumber+1, cf.ColumnNumber+1)
	}
	return b.String()
}

// consoleLocation is the context descriptor followed by the call stack.
func consoleLocation(ev *runtime.EventConsoleAPICalled) string {
	ctx := ev.Context
	if ctx == "" {
		ctx = "nocontext"
	}
	return "//#" + ctx + formatStackTrace(ev.StackTrace)
}

// exceptionMessage prefers the thrown object's description, which already
// carries the stack, over the bare exception text.
func exceptionMessage(d *runtime.ExceptionDetails) string {
	if d == nil {
		return ""
	}
	if d.Exception != nil {
		if d.Exception.Description != "" {
			return d.Exception.Description
		}
		if v := remoteValue(d.Exception); v != "" {
			return d.Text + " " + v
		}
	}
	return d.Text + formatStackTrace(d.StackTrace)
}
