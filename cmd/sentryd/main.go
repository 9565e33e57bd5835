// Command sentryd is the honeypot-sentry MCP security-analysis server.
package main

import "github.com/honeypot-sentry/sentryd/cmd/sentryd/cmd"

func main() {
	cmd.Execute()
}
