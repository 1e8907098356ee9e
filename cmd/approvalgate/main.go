// approvalgate governs agent tool calls: policy decisions, human approval
// with exactly-once resume, and a per-run circuit breaker.
package main

import "github.com/ppiankov/approvalgate/internal/cli"

func main() {
	cli.Execute()
}
