package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/adstore/internal/errors"
	"github.com/devrev/pairdb/adstore/internal/storage/collection"
)

// View kinds accepted in a ViewDefinition.
const (
	ViewKindConstraint = "constraint"
	ViewKindPartition  = "partition"
)

// ViewDefinition describes a derived view by name. Views are not logged,
// so a process recreates its views from definitions after every open.
type ViewDefinition struct {
	Name string
	Kind string
	// Parent names an earlier definition; empty means the root.
	Parent     string
	Rank       string
	Constraint string
	Attributes []string
}

// DefineViews creates views in order and returns their ids by name. On
// error the views created so far are deleted again.
func (s *StoreService) DefineViews(defs []ViewDefinition) (map[string]collection.ID, error) {
	ids := make(map[string]collection.ID, len(defs))
	var created []collection.ID

	rollback := func() {
		for i := len(created) - 1; i >= 0; i-- {
			s.DeleteView(created[i])
		}
	}

	for _, def := range defs {
		id, err := s.defineView(def, ids)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("failed to create view %q: %w", def.Name, err)
		}
		ids[def.Name] = id
		created = append(created, id)

		size, _ := s.ViewSize(id)
		s.logger.Info("Created view",
			zap.String("name", def.Name),
			zap.String("kind", def.Kind),
			zap.Int("view_id", int(id)),
			zap.Int("members", size))
	}
	return ids, nil
}

func (s *StoreService) defineView(def ViewDefinition, ids map[string]collection.ID) (collection.ID, error) {
	if def.Name == "" {
		return 0, errors.InvalidView("view name is required", nil)
	}
	if _, dup := ids[def.Name]; dup {
		return 0, errors.InvalidView("duplicate view name", nil)
	}

	parent := collection.RootID
	if def.Parent != "" {
		id, ok := ids[def.Parent]
		if !ok {
			return 0, errors.InvalidView(fmt.Sprintf("unknown parent view %q", def.Parent), nil)
		}
		parent = id
	}

	switch def.Kind {
	case ViewKindConstraint:
		return s.CreateConstraintView(parent, def.Rank, def.Constraint)
	case ViewKindPartition:
		return s.CreatePartitionView(parent, def.Rank, def.Attributes)
	default:
		return 0, errors.InvalidView(fmt.Sprintf("unknown view kind %q", def.Kind), nil)
	}
}
