package parser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveikedaikopi/sms-ocr-server/internal/models"
)

var stations = map[string]struct{}{"ABC": {}, "X1Y": {}}

func rejectionKind(t *testing.T, err error) Kind {
	t.Helper()
	var rej *Rejection
	require.True(t, errors.As(err, &rej), "expected *Rejection, got %v", err)
	return rej.Kind
}

func TestParse_Valid(t *testing.T) {
	msg, err := Parse(" KK # abc # PilPres #10#20#5#2 ")
	require.NoError(t, err)
	assert.Equal(t, "ABC", msg.UID)
	assert.Equal(t, "pilpres", msg.EventID)

	rep, err := msg.Report(3, stations)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 5}, rep.Votes)
	assert.Equal(t, 2, rep.Invalid)
	assert.Equal(t, 37, rep.Total())
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		text string
		n    int
		kind Kind
	}{
		{"foreign prefix", "hello there", 3, UnrecognizedPrefix},
		{"prefix only", "kk", 3, Unparseable},
		{"missing event", "kk#abc", 3, Unparseable},
		{"unknown station", "kk#zzz#pilpres#10#20#5#2", 3, UnknownStation},
		{"too few segments", "kk#abc#pilpres#10#20#2", 3, IncompleteData},
		{"too many segments", "kk#abc#pilpres#10#20#5#1#2", 3, IncompleteData},
		{"non numeric", "kk#abc#pilpres#10#dua#5#2", 3, Unparseable},
		{"negative", "kk#abc#pilpres#10#-1#5#2", 3, Unparseable},
		{"empty numeric", "kk#abc#pilpres#10##5#2", 3, Unparseable},
		{"count out of range", "kk#abc#pilpres#9223372036854775807#1#0#0", 3, Unparseable},
		{"count above int32", "kk#abc#pilpres#2147483648#0#0#0", 3, Unparseable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse(tt.text)
			if err == nil {
				_, err = msg.Report(tt.n, stations)
			}
			require.Error(t, err)
			assert.Equal(t, tt.kind, rejectionKind(t, err))
		})
	}
}

func TestReport_StationCheckedBeforeArity(t *testing.T) {
	msg, err := Parse("kk#zzz#pilpres#1")
	require.NoError(t, err)
	_, err = msg.Report(3, stations)

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, UnknownStation, rej.Kind)
	assert.Equal(t, "ZZZ", rej.UID)
	assert.Equal(t, "KK#UID#EventID#01#02#03#Rusak", rej.Template)
}

func TestReport_VoteLengthMatchesCandidateCount(t *testing.T) {
	for n := 1; n <= models.MaxCandidates; n++ {
		text := "kk#abc#e"
		for i := 0; i <= n; i++ {
			text += "#1"
		}
		msg, err := Parse(text)
		require.NoError(t, err)
		rep, err := msg.Report(n, stations)
		require.NoError(t, err)
		assert.Len(t, rep.Votes, n)
	}
}

func TestKind_ErrorType(t *testing.T) {
	assert.Equal(t, models.ErrTypeForeign, UnrecognizedPrefix.ErrorType())
	assert.Equal(t, models.ErrTypeUnparseable, Unparseable.ErrorType())
	assert.Equal(t, models.ErrTypeIncomplete, IncompleteData.ErrorType())
	assert.Equal(t, models.ErrTypeUnknownUID, UnknownStation.ErrorType())
}

func TestFormatTemplate(t *testing.T) {
	assert.Equal(t, "KK#UID#EventID#01#Rusak", FormatTemplate(1))
	assert.Equal(t, "KK#UID#EventID#01#02#03#04#05#06#Rusak", FormatTemplate(6))
	assert.Equal(t, "KK#UID#EventID#01#02#03#Rusak", ExampleTemplate)
}

func TestIsHeartbeat(t *testing.T) {
	assert.True(t, IsHeartbeat("the gateway is active"))
	assert.True(t, IsHeartbeat(" the gateway is active\n"))
	assert.False(t, IsHeartbeat("kk#the gateway is active"))
}
