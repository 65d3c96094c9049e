/*
Package process tracks console processes from start to exit and terminates them together with everything they spawned.

Console tools are often started through intermediate layers (a wrapper script, a shell, a terminal) that fork the real
console, so signaling only the direct child can leave the console running or orphan an intermediate layer that respawns
it. Termination therefore proceeds in two steps:

1. Capture: the live descendants of the root are enumerated through an Inspector, yielding a Tree.
2. Signal: every descendant is signaled deepest first, then the root.

The decision of what to kill (the Tree) is decoupled from how the OS process table is read (the Inspector) and from how
signals are delivered (the Signaler), so both can be replaced in tests.
*/
package process
