package dsl

// CollectReferences walks a parsed rule and returns every operation name and
// attribute reference it resolves to. The sandbox screens these against its
// forbidden-operation list before a rule is ever executed.
func CollectReferences(rule *Rule) []string {
	var refs []string
	if rule == nil {
		return refs
	}
	for _, expr := range []*BoolExpr{rule.When, rule.Always, rule.Never} {
		refs = appendBoolRefs(refs, expr)
	}
	return refs
}

func appendBoolRefs(refs []string, expr *BoolExpr) []string {
	if expr == nil {
		return refs
	}
	for _, chain := range append([]*AndChain{expr.First}, expr.Rest...) {
		for _, neg := range append([]*Negatable{chain.First}, chain.Rest...) {
			refs = appendAtomRefs(refs, neg.Atom)
		}
	}
	return refs
}

func appendAtomRefs(refs []string, atom *Atom) []string {
	if atom == nil {
		return refs
	}
	switch {
	case atom.Grouped != nil:
		refs = appendBoolRefs(refs, atom.Grouped)
	case atom.Count != nil:
		refs = append(refs, joinPath(atom.Count.Op))
		refs = appendOperandRefs(refs, atom.Count.Right)
	case atom.Span != nil:
		refs = append(refs, joinPath(atom.Span.Path))
		if atom.Span.Compare != nil {
			refs = appendOperandRefs(refs, atom.Span.Compare.Right)
		}
		for _, f := range atom.Span.Filters {
			refs = appendFilterRefs(refs, f)
		}
	}
	return refs
}

func appendFilterRefs(refs []string, filter *BoolFilter) []string {
	if filter == nil {
		return refs
	}
	for _, and := range append([]*FilterAnd{filter.First}, filter.Rest...) {
		for _, term := range append([]*FilterTerm{and.First}, and.Rest...) {
			switch {
			case term.Grouped != nil:
				refs = appendFilterRefs(refs, term.Grouped)
			case term.Attr != nil:
				refs = append(refs, unquote(term.Attr.Name))
				if term.Attr.Cmp != nil {
					refs = appendOperandRefs(refs, term.Attr.Cmp.Right)
				}
			}
		}
	}
	return refs
}

func appendOperandRefs(refs []string, op *Operand) []string {
	if op == nil {
		return refs
	}
	if op.Count != nil {
		refs = append(refs, joinPath(op.Count.Op))
	}
	if len(op.Path) > 0 {
		refs = append(refs, joinPath(op.Path))
	}
	if op.Lit != nil && op.Lit.Str != nil {
		refs = append(refs, unquote(*op.Lit.Str))
	}
	if op.Lit != nil && op.Lit.Enum != nil {
		refs = append(refs, *op.Lit.Enum)
	}
	return refs
}
