package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arkilian/tablesync/internal/table"
	"github.com/arkilian/tablesync/pkg/types"
)

// tableFile is the YAML definition of a table:
//
//	name: samples
//	parent_id: syn100
//	kind: table
//	description: Samples of the 2024 campaign
//	columns:
//	  - name: sample_id
//	    column_type: STRING
//	    maximum_size: 20
//	  - name: weight
//	    column_type: DOUBLE
//	rename:
//	  old_name: new_name
//
// Columns are the target schema in order. Stored columns that are not listed
// are removed, except those stored under an old name of rename, which keep
// their values under the new name.
type tableFile struct {
	Name        string              `yaml:"name"`
	ParentID    string              `yaml:"parent_id"`
	ID          string              `yaml:"id"`
	Kind        string              `yaml:"kind"`
	Description string              `yaml:"description"`
	Columns     []types.ColumnModel `yaml:"columns"`
	Rename      map[string]string   `yaml:"rename"`
}

func loadTableFile(path string) (*tableFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tf tableFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if tf.ID == "" && (tf.Name == "" || tf.ParentID == "") {
		return nil, fmt.Errorf("%s: a table needs an id, or a name and a parent_id", path)
	}
	for i := range tf.Columns {
		ct, err := types.ParseColumnType(string(tf.Columns[i].ColumnType))
		if err != nil {
			return nil, fmt.Errorf("%s: column %q: %w", path, tf.Columns[i].Name, err)
		}
		tf.Columns[i].ColumnType = ct
	}
	return &tf, nil
}

// build returns a table whose columns are the target schema of the file.
// Renames and deletes need the stored schema, so an existing table is read
// first; a table that does not exist yet is built from the columns alone.
func (tf *tableFile) build(client *table.Client, exists func(*table.Table) (bool, error)) (*table.Table, error) {
	kind, err := table.ParseKind(tf.Kind)
	if err != nil {
		return nil, err
	}
	var t *table.Table
	if tf.ID != "" {
		t = table.Open(client, tf.ID)
	} else if t, err = table.New(client, tf.Name, tf.ParentID, kind); err != nil {
		return nil, err
	}
	found, err := exists(t)
	if err != nil {
		return nil, err
	}
	if !found {
		t.Kind = kind
		t.Description = tf.Description
		for _, col := range tf.Columns {
			if err := t.AddColumn(col, -1); err != nil {
				return nil, err
			}
		}
		return t, nil
	}

	if tf.Name != "" {
		t.Name = tf.Name
	}
	t.Description = tf.Description
	for oldName, newName := range tf.Rename {
		if err := t.RenameColumn(oldName, newName); err != nil {
			return nil, err
		}
	}
	want := make(map[string]bool, len(tf.Columns))
	for i, col := range tf.Columns {
		want[col.Name] = true
		if current, ok := t.Columns.Get(col.Name); ok {
			// Keep the stored id so that an unchanged column stays as it is.
			col.ID = current.ID
			*current = col
			if err := t.ReorderColumn(col.Name, i); err != nil {
				return nil, err
			}
			continue
		}
		if err := t.AddColumn(col, i); err != nil {
			return nil, err
		}
	}
	for _, name := range t.Columns.Names() {
		if !want[name] {
			if err := t.DeleteColumn(name); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}
