package archival

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Name
		wantErr error
	}{
		{
			name:  "canonical name",
			input: "CLERK-MIN-20240115-003-v2",
			want: Name{
				Department: "CLERK",
				RecordType: "MIN",
				Date:       time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
				Sequence:   3,
				Version:    2,
			},
		},
		{
			name:  "lower case codes",
			input: " plan-permit-20231231-1-V10 ",
			want: Name{
				Department: "PLAN",
				RecordType: "PERMIT",
				Date:       time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
				Sequence:   1,
				Version:    10,
			},
		},
		{name: "empty", input: "", wantErr: ErrMissingName},
		{name: "missing version", input: "CLERK-MIN-20240115-003", wantErr: ErrInvalidName},
		{name: "impossible date", input: "CLERK-MIN-20240231-003-v1", wantErr: ErrInvalidName},
		{name: "zero sequence", input: "CLERK-MIN-20240115-000-v1", wantErr: ErrInvalidName},
		{name: "zero version", input: "CLERK-MIN-20240115-001-v0", wantErr: ErrInvalidName},
		{name: "extra segment", input: "CLERK-MIN-X-20240115-001-v1", wantErr: ErrInvalidName},
		{name: "department too short", input: "C-MIN-20240115-001-v1", wantErr: ErrInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestName_StringRoundTrip(t *testing.T) {
	n, err := Parse("clerk-min-20240115-3-v2")
	require.NoError(t, err)
	assert.Equal(t, "CLERK-MIN-20240115-003-v2", n.String())

	again, err := Parse(n.String())
	require.NoError(t, err)
	assert.Equal(t, n, again)
}

func TestFromFields(t *testing.T) {
	n, err := FromFields("records", "ORD", "20240301", "12", "v1")
	require.NoError(t, err)
	assert.Equal(t, "RECORDS", n.Department)
	assert.Equal(t, "ORD", n.RecordType)
	assert.Equal(t, 12, n.Sequence)
	assert.Equal(t, 1, n.Version)

	_, err = FromFields("", "", "", "", "")
	assert.ErrorIs(t, err, ErrMissingName)

	_, err = FromFields("CLERK", "", "20240301", "1", "1")
	require.ErrorIs(t, err, ErrInvalidName)
	assert.Contains(t, err.Error(), "recordType")

	_, err = FromFields("CLERK", "MIN", "2024-03-01", "1", "1")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = FromFields("CL ERK", "MIN", "20240301", "1", "1")
	assert.ErrorIs(t, err, ErrInvalidName)
}
