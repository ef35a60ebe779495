// Package cli holds the interactive prompt helpers. Prompts go to stdout
// and read stdin; the -y flag short-circuits them for scripted use.
package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

//nolint:gochecknoglobals
var (
	// YesFlag enables automatic yes to prompts.
	YesFlag bool

	reader = bufio.NewReader(os.Stdin)
)

// Ask prompts for input with a default value.
//
//nolint:forbidigo
func Ask(msg, def string) string {
	if YesFlag {
		fmt.Printf("%s [%s]: %s\n", msg, def, def)
		return def
	}
	fmt.Printf("%s [%s]: ", msg, def)
	t, _ := reader.ReadString('\n')
	t = strings.TrimSpace(t)
	if t == "" {
		return def
	}
	return t
}

// AskYesNo prompts for a yes/no answer with a default.
//
//nolint:forbidigo
func AskYesNo(msg string, def bool) bool {
	if YesFlag {
		fmt.Printf("%s [%s]: %v\n", msg, map[bool]string{true: "yes", false: "no"}[def], def)
		return def
	}
	defStr := "yes"
	if !def {
		defStr = "no"
	}
	for {
		fmt.Printf("%s [%s]: ", msg, defStr)
		in, _ := reader.ReadString('\n')
		in = strings.TrimSpace(strings.ToLower(in))
		if in == "" {
			return def
		}
		if in == "y" || in == "yes" {
			return true
		}
		if in == "n" || in == "no" {
			return false
		}
		fmt.Println("Please answer 'yes' or 'no'.")
	}
}
