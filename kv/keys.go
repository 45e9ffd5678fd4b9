package kv

import "fmt"

// Key builders mirror the naming scheme of the original scheduler's
// _node_key/_node_edge_sum_key/_edge_key helpers, but nest every key for
// one program under a <hash>/ prefix (rather than the original's
// <hash>:<suffix> and node:<hash>:<i> mixed styles) so the janitor can
// enumerate and delete a program's state with one prefix scan. In
// BBoltStore the EdgeDeliveredFlagKey flags live in a separate bucket
// that ListKeys and Delete do not touch, so that scan does not remove
// them.

func ProgramStatusKey(hash string) string   { return hash + "/status" }
func ProgramUpKey(hash string) string       { return hash + "/up" }
func ProgramPoolSizeKey(hash string) string { return hash + "/pool_size" }
func ProgramFlopsKey(hash string) string    { return hash + "/flops" }
func ProgramReadKey(hash string) string     { return hash + "/read" }
func ProgramWriteKey(hash string) string    { return hash + "/write" }
func ProgramMaxPCKey(hash string) string    { return hash + "/max_pc" }

func NodeStatusKey(hash string, node int) string {
	return fmt.Sprintf("%s/node/%d", hash, node)
}

func EdgeStatusKey(hash string, parent, child int) string {
	return fmt.Sprintf("%s/edge/%d/%d", hash, parent, child)
}

func EdgeSumKey(hash string, child int) string {
	return fmt.Sprintf("%s/edgesum/%d", hash, child)
}

// EdgeDeliveredFlagKey names the per-(parent,child) CAS flag guarding
// ConditionalIncrement: exactly one delivery of this edge's completion
// is ever allowed to contribute to EdgeSumKey(hash, child).
func EdgeDeliveredFlagKey(hash string, parent, child int) string {
	return fmt.Sprintf("%s/edgedelivered/%d/%d", hash, parent, child)
}

// ProgramKeyPrefix is the prefix shared by every key belonging to one
// program, used by the janitor to enumerate and delete a program's
// state in bulk once it has finished.
func ProgramKeyPrefix(hash string) string { return hash + "/" }
