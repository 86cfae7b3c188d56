package classes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"gopkg.in/yaml.v2"
)

const baseDescriptor = "base"

// Scan reads class descriptors from the registry's plugin roots. A
// descriptor at <root>/<dir>/<name>.yaml is registered under the path
// <dir>.<name>, except for base.yaml which is registered as <dir>. Roots are
// searched in order and the first descriptor found for a path wins. Files
// starting with an underscore are ignored.
func (r *Registry) Scan(ctx context.Context) error {
	log := logging.GetFromContext(ctx)
	found := map[string]RecordClass{}

	for _, root := range r.roots {
		files, err := descriptorFiles(root)
		if err != nil {
			return fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}

		for _, file := range files {
			path := descriptorPath(file)
			if _, ok := found[path]; ok {
				continue
			}

			c, err := loadDescriptor(file)
			if err != nil {
				log.Warn("skipping class descriptor", "file", file, "err", err.Error())
				continue
			}

			if !strings.EqualFold(defaultClassName(path), c.ClassName) {
				log.Warn("class name does not match descriptor path", "file", file, "class", c.ClassName)
				continue
			}

			found[path] = c
		}
	}

	r.mu.Lock()
	r.scanned = found
	r.mu.Unlock()

	log.Debug("scanned record classes", "count", len(found))

	return nil
}

func descriptorFiles(root string) ([]string, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, ext := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(root, "*", ext))
		if err != nil {
			return nil, err
		}

		for _, m := range matches {
			if !strings.HasPrefix(filepath.Base(m), "_") {
				files = append(files, m)
			}
		}
	}

	return files, nil
}

func descriptorPath(file string) string {
	dir := strings.ToLower(filepath.Base(filepath.Dir(file)))
	name := strings.ToLower(strings.TrimSuffix(filepath.Base(file), filepath.Ext(file)))

	if name == baseDescriptor {
		return dir
	}

	return dir + "." + name
}

func defaultClassName(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}

func loadDescriptor(file string) (*Class, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	c := &Class{}
	if err = yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	for k, v := range c.FieldValues {
		c.FieldValues[k] = normalize(v)
	}

	return c, nil
}

// normalize converts the map[interface{}]interface{} values produced by the
// yaml decoder into map[string]any.
func normalize(v any) any {
	switch value := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(value))
		for k, item := range value {
			m[fmt.Sprint(k)] = normalize(item)
		}
		return m
	case []any:
		for i := range value {
			value[i] = normalize(value[i])
		}
		return value
	}
	return v
}
