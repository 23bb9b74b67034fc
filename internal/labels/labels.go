// Package labels holds the fixed, ordered class names the bundled model predicts.
package labels

// classes is index-aligned with the model's output vector.
var classes = [...]string{
	"Cat", "Dog", "Horse", "Elephant", "Butterfly", "Chicken", "Cow",
	"Spider", "Sheep", "Peach", "Pomegranate", "Strawberry",
}

// Count returns the number of known classes.
func Count() int {
	return len(classes)
}

// All returns a copy of the class names in declaration order.
func All() []string {
	out := make([]string, len(classes))
	copy(out, classes[:])
	return out
}

// Name returns the class name at index i, or "" when i is out of range.
func Name(i int) string {
	if i < 0 || i >= len(classes) {
		return ""
	}
	return classes[i]
}
