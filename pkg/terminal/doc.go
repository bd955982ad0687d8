/*
Package terminal bridges a client duplex channel to a sandbox PTY.

Each session owns exactly one Transport. The transport runs one goroutine
per direction: inbound client frames are decoded (raw text degrades to
input) and written to the PTY in arrival order; PTY output is framed as
UTF-8 text and sent in emission order. The first failure on either side
cancels the other and cleanup runs exactly once; a shell exit closes the
channel with a normal closure code.

The silent gate suppresses outbound PTY bytes during the init phase so
clients never see setup commands echoing. Gated bytes still count as
activity. RunInit writes each command, waits for the PTY to go quiet (or
a bounded timeout), clears the gate, and reports the outcome with an
initComplete control frame.
*/
package terminal
