package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"storyboard/pkg/types"
)

func ids(records []types.ChangeRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestChangeLog_Ring(t *testing.T) {
	l := newChangeLog(3)
	assert.Empty(t, l.last(0))

	for i := 1; i <= 5; i++ {
		l.append(types.ChangeRecord{ID: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, l.len())
	assert.Equal(t, 3, l.capacity())
	assert.Equal(t, []string{"3", "4", "5"}, ids(l.last(0)))
	assert.Equal(t, []string{"4", "5"}, ids(l.last(2)))
	assert.Equal(t, []string{"3", "4", "5"}, ids(l.last(10)))
}

func TestChangeLog_PartiallyFilled(t *testing.T) {
	l := newChangeLog(4)
	l.append(types.ChangeRecord{ID: "a"})
	l.append(types.ChangeRecord{ID: "b"})
	assert.Equal(t, []string{"a", "b"}, ids(l.last(0)))
	assert.Equal(t, []string{"b"}, ids(l.last(1)))
}

func TestChangeLog_ZeroCapacityKeepsOne(t *testing.T) {
	l := newChangeLog(0)
	l.append(types.ChangeRecord{ID: "a"})
	l.append(types.ChangeRecord{ID: "b"})
	assert.Equal(t, []string{"b"}, ids(l.last(0)))
}
