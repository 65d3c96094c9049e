/*
Package terminal drives an interactive Tcl console, such as Vivado in Tcl mode, through a pseudo-terminal.

Commands are written as lines. An answer is everything the console prints between the command and the next prompt;
since the terminal echoes input, its first line is the command itself. There is no success marker on this channel:
a command failed when one of the caller's error patterns matches the answer.

	c, err := terminal.New(terminal.Config{Executable: "vivado", Args: []string{"-mode", "tcl"}})
	...
	err = c.WaitStartup(ctx, nil)
	...
	part, err := c.GetProperty(ctx, "PART", "[current_project]")

The pseudo-terminal driver is a Backend chosen by the caller: CreackBackend or GoPtyBackend.
*/
package terminal
