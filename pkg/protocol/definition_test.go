package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStructureNode_JSONRoundTrip(t *testing.T) {
	raw := []byte(`{
		"foo": {
			"$actions": [{"who": "anyone", "can": ["create"]}],
			"bar": {"$role": true}
		}
	}`)
	var structure map[string]StructureNode
	require.NoError(t, json.Unmarshal(raw, &structure))

	foo, ok := structure["foo"]
	require.True(t, ok)
	require.Len(t, foo.Actions, 1)
	require.Equal(t, WhoAnyone, foo.Actions[0].Who)

	bar, ok := foo.Children["bar"]
	require.True(t, ok)
	require.True(t, bar.Role)

	encoded, err := json.Marshal(structure)
	require.NoError(t, err)

	var roundTripped map[string]StructureNode
	require.NoError(t, json.Unmarshal(encoded, &roundTripped))
	require.Equal(t, structure["foo"].Actions, roundTripped["foo"].Actions)
}

func TestDefinition_Validate_UpdateImpliesCreate(t *testing.T) {
	def := &Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]StructureNode{
			"foo": {Actions: []Rule{{Who: WhoAuthor, Of: "foo", Can: []string{ActionUpdate}}}},
		},
	}
	err := def.Validate()
	require.Error(t, err)
}

func TestDefinition_Validate_RoleMustExist(t *testing.T) {
	def := &Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]StructureNode{
			"foo": {Actions: []Rule{{Role: "admin", Can: []string{ActionCreate}}}},
		},
	}
	err := def.Validate()
	require.Error(t, err)
}

func TestDefinition_Validate_RecipientCannotGrantRead(t *testing.T) {
	def := &Definition{
		Protocol: "https://example.com/proto",
		Structure: map[string]StructureNode{
			"foo": {Actions: []Rule{{Who: WhoRecipient, Can: []string{ActionRead}}}},
		},
	}
	err := def.Validate()
	require.Error(t, err)
}

func TestDefinition_Validate_NestingDepth(t *testing.T) {
	// Build 10 levels deep: accepted.
	structure := map[string]StructureNode{"t0": {}}
	cursor := structure
	for i := 1; i < maxStructureDepth; i++ {
		child := StructureNode{}
		name := "t" + string(rune('0'+i))
		node := cursor["t"+string(rune('0'+i-1))]
		if node.Children == nil {
			node.Children = map[string]StructureNode{}
		}
		node.Children[name] = child
		cursor["t"+string(rune('0'+i-1))] = node
		cursor = node.Children
	}
	def := &Definition{Protocol: "https://example.com/proto", Structure: structure}
	require.NoError(t, def.Validate())
}

func TestDefinition_Node(t *testing.T) {
	def := &Definition{
		Structure: map[string]StructureNode{
			"thread": {Children: map[string]StructureNode{
				"chat": {Actions: []Rule{{Who: WhoAnyone, Can: []string{ActionCreate}}}},
			}},
		},
	}
	node, ok := def.Node("thread/chat")
	require.True(t, ok)
	require.Len(t, node.Actions, 1)

	_, ok = def.Node("thread/missing")
	require.False(t, ok)
}
