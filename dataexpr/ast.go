// Package dataexpr implements the data-expression language (spec.md
// §4.4): a lexer, a recursive-descent parser building a node-arena
// AST, an idempotent optimizer pass, and an evaluator that streams
// the result into an alloc.Allocator. Nodes reference each other by
// arena index rather than pointer so that Assign/Name back-references
// can form a DAG without the evaluator ever needing a cycle check.
package dataexpr

// Kind identifies a Node's variant.
type Kind int

const (
	KByte Kind = iota
	KAbsOffset
	KRelOffset
	KAlignOffset
	KString
	KFill
	KList
	KRepeat
	KSlice
	KFile
	KScript
	KAssign
	KName
	KParam
	KNull
)

// NodeID indexes into an Arena; -1 means "no node".
type NodeID int

const noNode NodeID = -1

// Node is one AST node. Only the fields relevant to Kind are valid;
// this mirrors the original C source's tagged-union node, expressed
// as a flat struct since Go has no compact tagged unions and the
// arena is already small (one expression's worth of nodes).
type Node struct {
	Kind Kind

	Byte byte    // KByte
	N    int64   // KAbsOffset/KRelOffset/KAlignOffset: offset delta; KRepeat: count; KFill: count
	Str  string  // KString payload; KFile/KScript path or pipeline; KName/KAssign/KParam name
	Fill byte    // KFill payload byte

	Child NodeID // KRepeat/KSlice/KAssign/KName(unused): inner expression
	Items []NodeID // KList: elements in order

	SliceLo int64 // KSlice
	SliceHi int64 // KSlice; -1 means "to end"
}

// Arena owns every Node produced while parsing one expression.
type Arena struct {
	nodes []Node
}

// NewArena returns an empty Arena.
func NewArena() *Arena { return &Arena{} }

// Add appends n and returns its NodeID.
func (a *Arena) Add(n Node) NodeID {
	a.nodes = append(a.nodes, n)
	return NodeID(len(a.nodes) - 1)
}

// At returns the node at id.
func (a *Arena) At(id NodeID) Node { return a.nodes[id] }

// Set overwrites the node at id, used by the optimizer to rewrite
// nodes in place without reshuffling indices.
func (a *Arena) Set(id NodeID, n Node) { a.nodes[id] = n }

// Len reports how many nodes the arena holds.
func (a *Arena) Len() int { return len(a.nodes) }
