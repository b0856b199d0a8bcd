package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBodyVariantsAreExclusive(t *testing.T) {
	empty := New("a")
	list := NewList("a", nil)
	bin := NewBinary("a", nil, nil)

	assert.Equal(t, BodyEmpty, empty.Kind())
	assert.Nil(t, empty.Children())
	assert.Nil(t, empty.Payload())

	assert.Equal(t, BodyChildren, list.Kind())
	assert.NotNil(t, list.Children())
	assert.Nil(t, list.Payload())

	assert.Equal(t, BodyBinary, bin.Kind())
	assert.Nil(t, bin.Children())
	assert.NotNil(t, bin.Payload())

	assert.False(t, empty.Equal(list))
	assert.False(t, list.Equal(bin))
	assert.False(t, empty.Equal(bin))
}

func TestWithAttr(t *testing.T) {
	n := New("query", Attr{Key: "type", Value: "message"}, Attr{Key: "count", Value: "50"})

	tagged := n.WithAttr("tag", "t1")
	assert.Equal(t, "t1", tagged.AttrOr("tag", ""))
	_, ok := n.Attr("tag")
	assert.False(t, ok, "original must not change")

	replaced := tagged.WithAttr("type", "chat")
	assert.Equal(t, []Attr{{"type", "chat"}, {"count", "50"}, {"tag", "t1"}}, replaced.Attrs)
	assert.Equal(t, "message", tagged.AttrOr("type", ""))
}

func TestChildLookup(t *testing.T) {
	n := NewList("response", nil, New("message", Attr{"id", "1"}), New("other"), New("message", Attr{"id", "2"}))

	c, ok := n.Child("other")
	assert.True(t, ok)
	assert.Equal(t, "other", c.Name)

	msgs := n.ChildrenNamed("message")
	assert.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[1].AttrOr("id", ""))

	_, ok = New("x").Child("other")
	assert.False(t, ok)
}

func TestString(t *testing.T) {
	n := NewList("action", []Attr{{"type", "set"}}, New("ping"), NewBinary("enc", nil, []byte{1, 2, 3}))
	assert.Equal(t, `<action type="set"><ping/><enc>[3 bytes]</enc></action>`, n.String())
	assert.Equal(t, "children", BodyChildren.String())
}
