package browser

import (
	"testing"

	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
)

func TestRemoteValue(t *testing.T) {
	cases := []struct {
		name string
		obj  *runtime.RemoteObject
		want string
	}{
		{"nil", nil, ""},
		{"string is unquoted", &runtime.RemoteObject{Type: runtime.TypeString, Value: jsontext.Value(`"hi"`)}, "hi"},
		{"number keeps its text", &runtime.RemoteObject{Type: runtime.TypeNumber, Value: jsontext.Value(`1.5`)}, "1.5"},
		{"unserializable", &runtime.RemoteObject{Type: runtime.TypeNumber, UnserializableValue: "-Infinity"}, "-Infinity"},
		{"object description", &runtime.RemoteObject{Type: runtime.TypeObject, Description: "Window"}, "Window"},
		{"bare type", &runtime.RemoteObject{Type: runtime.TypeUndefined}, "undefined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, remoteValue(tc.obj))
		})
	}
}

func TestConsoleLocation(t *testing.T) {
	ev := &runtime.EventConsoleAPICalled{
		Context: "worker",
		StackTrace: &runtime.StackTrace{CallFrames: []*runtime.CallFrame{
			{FunctionName: "run", URL: "https://a.test/app.js", LineNumber: 9, ColumnNumber: 4},
			{URL: "https://a.test/app.js", LineNumber: 0, ColumnNumber: 0},
		}},
	}
	want := "//#worker" +
		"\n    at run (https://a.test/app.js:10:5)" +
		"\n    at <anonymous> (https://a.test/app.js:1:1)"
	assert.Equal(t, want, consoleLocation(ev))
	assert.Equal(t, "//#nocontext", consoleLocation(&runtime.EventConsoleAPICalled{}))
}

func TestExceptionMessage(t *testing.T) {
	assert.Empty(t, exceptionMessage(nil))
	assert.Equal(t, "Error: x\n    at f", exceptionMessage(&runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Type: runtime.TypeObject, Description: "Error: x\n    at f"},
	}))
	assert.Equal(t, "Uncaught 42", exceptionMessage(&runtime.ExceptionDetails{
		Text:      "Uncaught",
		Exception: &runtime.RemoteObject{Type: runtime.TypeNumber, Value: jsontext.Value(`42`)},
	}))
	assert.Equal(t, "Uncaught\n    at g (s.js:2:3)", exceptionMessage(&runtime.ExceptionDetails{
		Text:       "Uncaught",
		StackTrace: &runtime.StackTrace{CallFrames: []*runtime.CallFrame{{FunctionName: "g", URL: "s.js", LineNumber: 1, ColumnNumber: 2}}},
	}))
}
