/*
Package agent exposes a single console session over HTTP, so that a console running on a build host can be driven
from elsewhere.

	GET  /heartbeat  liveness, and keeps the agent from running its heartbeat failure handler
	POST /execute    one JSON ExecuteRequest, answered with an ExecuteResponse
	GET  /execute    WebSocket stream of ExecuteRequest/ExecuteResponse pairs

Requests are serialized, since a console session runs one command at a time. Traffic can be protected with mutual TLS
using certificates from GenerateCerts.
*/
package agent
