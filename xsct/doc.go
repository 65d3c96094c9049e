/*
Package xsct drives the Xilinx XSCT/XSDB console over its TCP server.

Server launches the console with an "xsdbserver start" directive so that it listens on a TCP port, and stops it
together with every process it spawned. Client connects to that port and runs one command at a time.

The wire protocol is line based. Each command is sent followed by "\r\n" and the console answers with exactly one
"\r\n"-terminated line, regardless of the host platform. The answer starts with a marker:

	okay <result>
	error <message>

Any other start is a protocol violation. Bytes read past the end of an answer are kept in the client and consumed by
the next read, so an answer is never lost when two arrive in the same TCP segment.

Neither Server nor Client is safe for concurrent use.
*/
package xsct
