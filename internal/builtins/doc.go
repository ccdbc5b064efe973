// Package builtins holds the builders project files can name: copy_file,
// copy_files, write_file and command. Each one predicts its targets so
// collisions are reported before a build starts.
package builtins
