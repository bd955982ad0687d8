/*
Package reaper is the backstop for partial teardowns.

Each sweep first runs the session idle policy, then lists every
service-labelled container and removes the ones no live session owns,
once they exceed the maximum container age or have already exited. One
sweep runs at startup so orphans from a previous process die
immediately. Per-item failures are counted and logged; they never abort
the sweep.
*/
package reaper
