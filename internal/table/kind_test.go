package table

import (
	"errors"
	"testing"

	tserrors "github.com/arkilian/tablesync/internal/errors"
	"github.com/arkilian/tablesync/pkg/types"
)

func TestParseKind(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
	}{
		{"", KindTable},
		{"table", KindTable},
		{"Entity-View", KindEntityView},
		{"entity_view", KindEntityView},
		{" submission view ", KindSubmissionView},
		{"dataset", KindDataset},
	}
	for _, tc := range cases {
		got, err := ParseKind(tc.in)
		if err != nil {
			t.Errorf("ParseKind(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := ParseKind("view"); err == nil {
		t.Error("ParseKind(view): expected an error")
	}
}

func TestKindOf(t *testing.T) {
	for k, ct := range kindConcreteTypes {
		got, err := KindOf(ct)
		if err != nil || got != k {
			t.Errorf("KindOf(%q) = %v, %v; want %v", ct, got, err, k)
		}
		if k.ConcreteType() != ct {
			t.Errorf("%v.ConcreteType() = %q, want %q", k, k.ConcreteType(), ct)
		}
	}

	_, err := KindOf("org.sagebionetworks.repo.model.Folder")
	if !errors.Is(err, tserrors.New(tserrors.ErrCategoryValidation, tserrors.CodeUnsupportedOperation, "")) {
		t.Errorf("KindOf(folder) error = %v, want an unsupported operation", err)
	}
}

func TestKindCapabilities(t *testing.T) {
	if !KindTable.AllowsInserts() || KindTable.RowEtags() {
		t.Error("plain tables take inserts and no row etags")
	}
	for _, k := range []Kind{KindEntityView, KindSubmissionView, KindDataset} {
		if k.AllowsInserts() {
			t.Errorf("%v allows inserts", k)
		}
		if !k.RowEtags() {
			t.Errorf("%v does not need row etags", k)
		}
	}
	if KindTable.ConcreteType() != types.ConcreteTypeTableEntity {
		t.Errorf("table concrete type = %q", KindTable.ConcreteType())
	}
}
