// Package registry composes and validates fully qualified image references.
package registry

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// Ref composes {host}/{project}/{repository}/{image}:{tag} and validates
// the result. It is a pure function: identical inputs always yield the
// identical reference.
func Ref(host, project, repository, image, tag string) (string, error) {
	name := strings.Join([]string{host, project, repository, image}, "/")
	ref := fmt.Sprintf("%s:%s", name, tag)
	if _, err := reference.ParseNamed(ref); err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	return ref, nil
}
