package collaborator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRecord(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		ok     bool
		tag    string
		status Status
		fields []string
	}{
		{"plain stdout", "ENCRYPT;success;abcd\n", true, "ENCRYPT", StatusSuccess, []string{"abcd"}},
		{"wrapped in log line", `2024 INF contract=value //VALUECONTRACT_WRITEOUTPUT;success;k;v//`, true, "VALUECONTRACT_WRITEOUTPUT", StatusSuccess, []string{"k", "v"}},
		{"skips untagged segment", `VALUECONTRACT_WRITEOUTPUT: //setting 6b==v// //VALUECONTRACT_WRITEOUTPUT;error;boom;k;v//`, true, "VALUECONTRACT_WRITEOUTPUT", StatusError, []string{"boom", "k", "v"}},
		{"no status", "ENCRYPT;abcd", false, "", "", nil},
		{"unknown status", "ENCRYPT;maybe;abcd", false, "", "", nil},
		{"empty", "", false, "", "", nil},
		{"colon credential", "MC1:sigA:sigB", false, "", "", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, ok := ParseRecord(tc.line)
			require.Equal(t, tc.ok, ok)
			if !tc.ok {
				return
			}
			require.Equal(t, tc.tag, rec.Tag)
			require.Equal(t, tc.status, rec.Status)
			require.Equal(t, tc.fields, rec.Fields)
		})
	}
}

func TestFindLastSearchesNewestFirst(t *testing.T) {
	lines := []string{
		"//VALUECONTRACT_READOUTPUT;success;a;old//",
		"//VALUECONTRACT_READOUTPUT;success;b;other//",
		"//VALUECONTRACT_READOUTPUT;success;a;new//",
		"//VALUECONTRACT_LISTOUTPUT;success;a=new//",
	}

	rec, ok := FindLast(lines, "VALUECONTRACT_READOUTPUT", func(r Record) bool {
		return len(r.Fields) > 0 && r.Fields[0] == "a"
	})
	require.True(t, ok)
	require.Equal(t, []string{"a", "new"}, rec.Fields)

	_, ok = FindLast(lines, "VALUECONTRACT_DELETEOUTPUT", nil)
	require.False(t, ok)
}

func TestArityCheck(t *testing.T) {
	arity := Arity{Success: 2, Error: 3}

	fields, err := arity.Check("write", Record{Tag: "T", Status: StatusSuccess, Fields: []string{"k", "v"}})
	require.NoError(t, err)
	require.Equal(t, []string{"k", "v"}, fields)

	_, err = arity.Check("write", Record{Tag: "T", Status: StatusSuccess, Fields: []string{"k"}})
	require.True(t, IsKind(err, KindMalformed))

	_, err = arity.Check("write", Record{Tag: "T", Status: StatusError, Fields: []string{"denied", "k", "v"}})
	require.True(t, IsKind(err, KindRejected))
	require.Contains(t, err.Error(), "denied")

	_, err = arity.Check("write", Record{Tag: "T", Status: StatusError, Fields: []string{"denied"}})
	require.True(t, IsKind(err, KindMalformed))
}

func TestArityCheckGreedyAndReasonField(t *testing.T) {
	arity := Arity{Success: 3, Error: 2, GreedyLast: true, ReasonField: 1}

	fields, err := arity.Check("read", Record{Tag: "T", Status: StatusSuccess, Fields: []string{"1", "concert", `{"a":"x;y"}`, "z"}})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "concert", `{"a":"x;y"};z`}, fields)

	_, err = arity.Check("read", Record{Tag: "T", Status: StatusError, Fields: []string{"7", "sold out"}})
	require.EqualError(t, err, "read: rejected: sold out")
}

func TestArityVariadic(t *testing.T) {
	arity := Arity{Success: Variadic, Error: 1}

	fields, err := arity.Check("list", Record{Tag: "T", Status: StatusSuccess})
	require.NoError(t, err)
	require.Empty(t, fields)
}
