package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// formatter renders entries according to a pattern string. Recognised
// verbs are %time, %level, %field, %msg, %caller, %func and %goroutine;
// anything else in the pattern is emitted literally.
type formatter struct {
	pattern string
	time    string
}

func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	verbs := []struct {
		verb   string
		render func(*logrus.Entry) string
	}{
		{"%time", func(e *logrus.Entry) string { return e.Time.Format(f.time) }},
		{"%level", func(e *logrus.Entry) string { return e.Level.String() }},
		{"%field", renderFields},
		{"%caller", renderCaller},
		{"%func", renderFunc},
		{"%goroutine", func(*logrus.Entry) string { return goroutineID() }},
		// %msg goes last so a message containing a verb token is not
		// expanded again.
		{"%msg", func(e *logrus.Entry) string { return e.Message }},
	}
	out := f.pattern
	for _, v := range verbs {
		if strings.Contains(out, v.verb) {
			out = strings.Replace(out, v.verb, v.render(entry), 1)
		}
	}
	return []byte(out), nil
}

// renderFields emits key=value pairs in key order so output is stable.
func renderFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fmt.Sprint(entry.Data[k]))
	}
	return strings.Join(pairs, ",")
}

func renderCaller(entry *logrus.Entry) string {
	if !entry.HasCaller() {
		if _, file, line, ok := runtime.Caller(8); ok {
			return fmt.Sprintf("%s:%d", lastPathElem(file), line)
		}
		return "unknown"
	}
	pkg := ""
	if fn := entry.Caller.Function; fn != "" {
		if dot := strings.Index(lastPathElem(fn), "."); dot != -1 {
			pkg = lastPathElem(fn)[:dot]
		}
	}
	return fmt.Sprintf("%s/%s:%d", pkg, lastPathElem(entry.Caller.File), entry.Caller.Line)
}

func renderFunc(entry *logrus.Entry) string {
	name := ""
	if entry.HasCaller() {
		name = entry.Caller.Function
	} else if pc, _, _, ok := runtime.Caller(8); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
	}
	if name == "" {
		return "unknown"
	}
	if dot := strings.LastIndex(name, "."); dot != -1 && dot+1 < len(name) {
		return name[dot+1:]
	}
	return name
}

func lastPathElem(s string) string {
	if slash := strings.LastIndex(s, "/"); slash != -1 && slash+1 < len(s) {
		return s[slash+1:]
	}
	return s
}

func goroutineID() string {
	// runtime.Stack is the only stable way to read the goroutine id.
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}
