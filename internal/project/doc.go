// Package project loads HCL project files into build nodes.
//
// A project is one or more .hcl files declaring option defaults and node
// blocks:
//
//	option "out" {
//	  default = "build"
//	}
//
//	node "headers" {
//	  builder = "copy_files"
//	  find {
//	    roots    = ["include"]
//	    patterns = ["*.h"]
//	  }
//	  dir = "${option.out}/include"
//	}
//
// Attributes other than the common ones (builder, sources, find, inputs,
// depends_on, cwd) are handed to the builder. Node labels are the target
// names accepted on the command line.
package project
