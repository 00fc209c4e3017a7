package dispatch

import (
	"fmt"
	"strings"
)

// routeTree is a prefix tree of MQTT topic filters. It is built once in
// New and only read afterwards.
type routeTree struct {
	root *routeNode
}

type routeNode struct {
	handlers []handlerFunc
	children map[string]*routeNode
}

func newRouteTree() *routeTree {
	return &routeTree{root: newRouteNode()}
}

func newRouteNode() *routeNode {
	return &routeNode{children: make(map[string]*routeNode)}
}

// add registers h for a topic filter. Filters may use + and # wildcards.
func (t *routeTree) add(filter string, h handlerFunc) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}

	segments := strings.Split(filter, "/")
	current := t.root
	for i, segment := range segments {
		isLast := i == len(segments)-1

		if segment == "#" && !isLast {
			return fmt.Errorf("multi-level wildcard (#) must be the last segment: %s", filter)
		}
		if strings.ContainsAny(segment, "+#") && len(segment) > 1 {
			return fmt.Errorf("wildcard must be the entire segment: %s", filter)
		}

		next, ok := current.children[segment]
		if !ok {
			next = newRouteNode()
			current.children[segment] = next
		}
		current = next
	}
	current.handlers = append(current.handlers, h)
	return nil
}

// match returns the handlers of every filter matching topic.
func (t *routeTree) match(topic string) []handlerFunc {
	if topic == "" {
		return nil
	}
	var out []handlerFunc
	t.collect(t.root, strings.Split(topic, "/"), 0, &out)
	return out
}

func (t *routeTree) collect(node *routeNode, segments []string, depth int, out *[]handlerFunc) {
	if depth == len(segments) {
		*out = append(*out, node.handlers...)
		// "a/#" also matches "a"
		if child, ok := node.children["#"]; ok {
			*out = append(*out, child.handlers...)
		}
		return
	}

	if child, ok := node.children[segments[depth]]; ok {
		t.collect(child, segments, depth+1, out)
	}
	if child, ok := node.children["+"]; ok {
		t.collect(child, segments, depth+1, out)
	}
	if child, ok := node.children["#"]; ok {
		*out = append(*out, child.handlers...)
	}
}
