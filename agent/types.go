package agent

// ExecuteRequest runs one command on the console. It is the body of POST /execute and each message sent on the
// /execute WebSocket stream.
type ExecuteRequest struct {
	Command string
}

// ExecuteResponse is the answer to an ExecuteRequest. Console failures are reported in Error with their Kind, as
// returned by console.Kind, and do not change the HTTP status. A stream request without a command has Kind "request".
type ExecuteResponse struct {
	Result string
	Error  string `json:",omitempty"`
	Kind   string `json:",omitempty"`
}

type heartbeatResponse struct {
	LastHeartbeat string
}
