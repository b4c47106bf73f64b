package main

import "strings"

// reorderArgs moves flags before positional arguments so Go's flag
// parser sees them regardless of order. boolFlags names flags that
// take no value. All other flags are assumed to consume the next
// argument as their value.
//
// Examples:
//
//	reorderArgs(["urn:lnk:abc", "--config", "x.yaml"], nil)
//	→ ["--config", "x.yaml", "urn:lnk:abc"]
func reorderArgs(args []string, boolFlags map[string]bool) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")
			if strings.Contains(name, "=") {
				continue
			}
			if boolFlags[name] {
				continue
			}
			if i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}
