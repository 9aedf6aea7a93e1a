package graph

import (
	"encoding/json"
	"fmt"
)

// Wire shape for tasks: {"kind":"literal","value":...},
// {"kind":"alias","key":"x"}, or
// {"kind":"application","func":"f","args":[...]}. Arguments reuse the same
// discriminator with "keyref" and "nested" kinds. This is the one task
// encoding shared by the client-facing submission API and the
// scheduler-to-worker compute messages.

type wireNode struct {
	Kind  string    `json:"kind"`
	Value any       `json:"value"`
	Key   Key       `json:"key,omitempty"`
	Func  string    `json:"func,omitempty"`
	Args  []wireArg `json:"args,omitempty"`
}

type wireArg struct {
	Kind  string    `json:"kind"`
	Value any       `json:"value"`
	Key   Key       `json:"key,omitempty"`
	Node  *wireNode `json:"node,omitempty"`
}

func toWire(n Node) wireNode {
	switch n.Kind {
	case KindAlias:
		return wireNode{Kind: "alias", Key: n.Alias}
	case KindApplication:
		args := make([]wireArg, len(n.Args))
		for i, a := range n.Args {
			switch a.Kind {
			case ArgKeyRef:
				args[i] = wireArg{Kind: "keyref", Key: a.KeyRef}
			case ArgNested:
				w := toWire(*a.Nested)
				args[i] = wireArg{Kind: "nested", Node: &w}
			default:
				args[i] = wireArg{Kind: "literal", Value: a.Literal}
			}
		}
		return wireNode{Kind: "application", Func: n.Func, Args: args}
	default:
		return wireNode{Kind: "literal", Value: n.Literal}
	}
}

func fromWire(w wireNode) (Node, error) {
	switch w.Kind {
	case "literal", "":
		return Literal(w.Value), nil
	case "alias":
		return Alias(w.Key), nil
	case "application":
		args := make([]Arg, len(w.Args))
		for i, a := range w.Args {
			switch a.Kind {
			case "literal", "":
				args[i] = Lit(a.Value)
			case "keyref":
				args[i] = Ref(a.Key)
			case "nested":
				if a.Node == nil {
					return Node{}, fmt.Errorf("graph: nested arg %d has no node", i)
				}
				n, err := fromWire(*a.Node)
				if err != nil {
					return Node{}, err
				}
				args[i] = Nest(n)
			default:
				return Node{}, fmt.Errorf("graph: unknown arg kind %q", a.Kind)
			}
		}
		return Node{Kind: KindApplication, Func: w.Func, Args: args}, nil
	default:
		return Node{}, fmt.Errorf("graph: unknown node kind %q", w.Kind)
	}
}

func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(n))
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var w wireNode
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := fromWire(w)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
