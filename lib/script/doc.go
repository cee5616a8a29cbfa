/*
Package script runs declarative scenarios written in YAML.

A script names the number of clients and a list of steps. Every step is
mirrored into the oracle like the built-in scenarios, and the server dump is
verified when the script ends:

	name: lock
	clients: 2
	steps:
	  - op: stall
	    key_len: [4]
	    as: k
	    value: hello
	  - op: get
	    client: 1
	    key: $k
	    expect: KEY_ERROR
	  - op: complete
	  - op: get
	    client: 1
	    key: $k
	    value: hello
*/
package script
