package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConditionEvaluator_Evaluate_True(t *testing.T) {
	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := e.Evaluate(`descriptor["dataFormat"] == "application/json"`, map[string]interface{}{
		"dataFormat": "application/json",
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestConditionEvaluator_Evaluate_False(t *testing.T) {
	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	ok, err := e.Evaluate(`descriptor["dataFormat"] == "application/json"`, map[string]interface{}{
		"dataFormat": "text/plain",
	})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConditionEvaluator_Evaluate_CompileError(t *testing.T) {
	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate(`descriptor[`, map[string]interface{}{})
	require.Error(t, err)
}

func TestConditionEvaluator_Evaluate_NonBooleanResult(t *testing.T) {
	e, err := NewConditionEvaluator()
	require.NoError(t, err)

	_, err = e.Evaluate(`descriptor["dataSize"]`, map[string]interface{}{"dataSize": 5})
	require.Error(t, err)
}
