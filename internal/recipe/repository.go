package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Repository is an immutable, validated set of recipes
type Repository struct {
	recipes []*Recipe
	byID    map[string]*Recipe
}

// NewRepository validates recipes and indexes them by ID
func NewRepository(recipes []*Recipe) (*Repository, error) {
	repo := &Repository{byID: make(map[string]*Recipe, len(recipes))}
	for _, r := range recipes {
		if err := Validate(r); err != nil {
			return nil, err
		}
		if prev, ok := repo.byID[r.ID]; ok {
			return nil, fmt.Errorf("duplicate recipe ID %q (%s and %s)", r.ID, describeSource(prev), describeSource(r))
		}
		repo.byID[r.ID] = r
		repo.recipes = append(repo.recipes, r)
	}
	sort.Slice(repo.recipes, func(i, j int) bool { return repo.recipes[i].ID < repo.recipes[j].ID })
	return repo, nil
}

// LoadDir loads every *.yaml and *.yml file in dir. A missing directory is an
// empty repository.
func LoadDir(dir string) (*Repository, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewRepository(nil)
		}
		return nil, fmt.Errorf("failed to read recipes directory %s: %w", dir, err)
	}

	var all []*Recipe
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read recipe file %s: %w", path, err)
		}
		recipes, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, r := range recipes {
			r.Source = path
		}
		all = append(all, recipes...)
	}
	return NewRepository(all)
}

// recipeList is the {recipes: [...]} file form
type recipeList struct {
	Recipes []*Recipe `yaml:"recipes"`
}

// Parse decodes one recipe file. A file holds a single recipe, a YAML
// sequence of recipes, or a mapping with a "recipes" list. Multiple YAML
// documents in one file are concatenated.
func Parse(data []byte) ([]*Recipe, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*Recipe
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		if len(node.Content) == 0 {
			continue
		}
		root := node.Content[0]

		switch {
		case root.Kind == yaml.SequenceNode:
			var list []*Recipe
			if err := root.Decode(&list); err != nil {
				return nil, fmt.Errorf("invalid recipe list: %w", err)
			}
			out = append(out, list...)
		case root.Kind == yaml.MappingNode && hasKey(root, "recipes"):
			var list recipeList
			if err := root.Decode(&list); err != nil {
				return nil, fmt.Errorf("invalid recipe list: %w", err)
			}
			out = append(out, list.Recipes...)
		case root.Kind == yaml.MappingNode:
			var r Recipe
			if err := root.Decode(&r); err != nil {
				return nil, fmt.Errorf("invalid recipe: %w", err)
			}
			out = append(out, &r)
		default:
			return nil, fmt.Errorf("recipe file must contain a mapping or a list")
		}
	}
	for i, r := range out {
		if r == nil {
			return nil, fmt.Errorf("recipe %d is empty", i)
		}
	}
	return out, nil
}

func hasKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}

// Validate checks a recipe's structure and each action's payload
func Validate(r *Recipe) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("recipe %q: %w", r.ID, err)
	}
	if err := r.Trigger.validate(); err != nil {
		return fmt.Errorf("recipe %q: %w", r.ID, err)
	}
	for i := range r.Actions {
		if err := r.Actions[i].validatePayload(); err != nil {
			return fmt.Errorf("recipe %q action %d: %w", r.ID, i, err)
		}
	}
	return nil
}

// All returns every recipe ordered by ID
func (r *Repository) All() []*Recipe {
	out := make([]*Recipe, len(r.recipes))
	copy(out, r.recipes)
	return out
}

// Get returns the recipe with id, or nil
func (r *Repository) Get(id string) *Recipe {
	return r.byID[id]
}

// Len returns the number of recipes
func (r *Repository) Len() int {
	return len(r.recipes)
}

func describeSource(r *Recipe) string {
	if r.Source == "" {
		return "inline"
	}
	return r.Source
}
