package dataexpr

// Optimize rewrites the subtree rooted at root in place, applying the
// peephole rules from spec.md §4.4.4:
//
//   - nested KList nodes are flattened into their parent
//   - a KList with zero elements becomes KNull; one element collapses
//     to that element
//   - a run of adjacent KByte nodes in a KList folds into one KString
//   - KNull elements are dropped from KList
//   - KRepeat of a KRepeat multiplies the counts
//   - KRepeat of a KFill multiplies the fill count
//   - KRepeat of a single-byte KString (or a KByte) becomes KFill
//   - any node whose emitted length is statically known to be zero
//     becomes KNull
//
// The pass is idempotent: running it twice yields the same tree.
func (a *Arena) Optimize(root NodeID) NodeID {
	return a.optimize(root)
}

func (a *Arena) optimize(id NodeID) NodeID {
	if id == noNode {
		return id
	}
	n := a.At(id)

	switch n.Kind {
	case KList:
		items := make([]NodeID, 0, len(n.Items))
		for _, child := range n.Items {
			oc := a.optimize(child)
			cn := a.At(oc)
			if cn.Kind == KNull {
				continue
			}
			if cn.Kind == KList {
				items = append(items, cn.Items...)
				continue
			}
			items = append(items, oc)
		}
		items = foldByteRuns(a, items)
		switch len(items) {
		case 0:
			return a.replace(id, Node{Kind: KNull})
		case 1:
			return items[0]
		default:
			return a.replace(id, Node{Kind: KList, Items: items})
		}

	case KRepeat:
		child := a.optimize(n.Child)
		cn := a.At(child)
		if n.N <= 0 {
			return a.replace(id, Node{Kind: KNull})
		}
		switch {
		case cn.Kind == KNull:
			return a.replace(id, Node{Kind: KNull})
		case cn.Kind == KFill:
			return a.replace(id, Node{Kind: KFill, N: n.N * cn.N, Fill: cn.Fill})
		case cn.Kind == KRepeat:
			return a.replace(id, Node{Kind: KRepeat, N: n.N * cn.N, Child: cn.Child})
		case cn.Kind == KByte:
			return a.replace(id, Node{Kind: KFill, N: n.N, Fill: cn.Byte})
		case cn.Kind == KString && len(cn.Str) == 1:
			return a.replace(id, Node{Kind: KFill, N: n.N, Fill: cn.Str[0]})
		default:
			return a.replace(id, Node{Kind: KRepeat, N: n.N, Child: child})
		}

	case KSlice:
		child := a.optimize(n.Child)
		// Only a genuinely zero-length slice (n == m) folds away here;
		// n > m is an invalid slice and must surface as an evaluation
		// error, not silently vanish.
		if n.SliceHi != -1 && n.SliceHi == n.SliceLo {
			return a.replace(id, Node{Kind: KNull})
		}
		return a.replace(id, Node{Kind: KSlice, Child: child, SliceLo: n.SliceLo, SliceHi: n.SliceHi})

	case KAssign:
		child := a.optimize(n.Child)
		return a.replace(id, Node{Kind: KAssign, Str: n.Str, Child: child})

	case KByte:
		return id

	case KString:
		if len(n.Str) == 0 {
			return a.replace(id, Node{Kind: KNull})
		}
		return id

	case KFill:
		if n.N <= 0 {
			return a.replace(id, Node{Kind: KNull})
		}
		return id

	default:
		return id
	}
}

func (a *Arena) replace(id NodeID, n Node) NodeID {
	a.Set(id, n)
	return id
}

// foldByteRuns merges adjacent KByte items in a flattened list into a
// single KString node, the same way the teacher's lexer-level literal
// folding collapses adjacent rune literals.
func foldByteRuns(a *Arena, items []NodeID) []NodeID {
	out := make([]NodeID, 0, len(items))
	i := 0
	for i < len(items) {
		n := a.At(items[i])
		if n.Kind != KByte {
			out = append(out, items[i])
			i++
			continue
		}
		var buf []byte
		j := i
		for j < len(items) {
			cn := a.At(items[j])
			if cn.Kind != KByte {
				break
			}
			buf = append(buf, cn.Byte)
			j++
		}
		out = append(out, a.Add(Node{Kind: KString, Str: string(buf)}))
		i = j
	}
	return out
}
