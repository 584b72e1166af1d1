package mock

import "github.com/wclr/taskmate/internal/session"

// DemoRequests are the sessions opened at startup in mock mode, one per
// pattern in the order the host assigns them.
func DemoRequests() []session.Request {
	return []session.Request{
		session.CreateAndRun("demo-web", "web | dev", "/home/user/webapp", "npm run dev"),
		session.CreateAndRun("demo-build", "api | build", "/home/user/api", "go build ./..."),
		session.CreateAndRun("demo-etl", "jobs | etl", "/home/user/jobs", "python3 etl.py"),
		session.CreateAndRun("demo-repl", "scratch | repl", "/home/user", "node"),
	}
}
