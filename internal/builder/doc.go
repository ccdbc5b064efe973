/*
Package builder holds the reusable parts of builder implementations.

Every builder contributes a signature to the name of each node it is bound to.
Base assembles that signature from a stable type tag and the attributes that
influence the builder's output, so two builders configured identically always
hash to the same bytes and any configuration change forces the affected nodes
to rebuild.

RunCommand is the process runner exposed to builders through the build
context. It captures stdout and stderr and reports a non-zero exit status as a
*CommandError carrying the command line and the captured output, which the
build manager surfaces when the node fails.
*/
package builder
