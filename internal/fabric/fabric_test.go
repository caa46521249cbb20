package fabric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchSubjectRoutesByExecutorType(t *testing.T) {
	require.Equal(t, "task.code_executor", dispatchSubject("code_executor"))
}

func TestCapabilitySubjectRoutesByCapability(t *testing.T) {
	require.Equal(t, "task.cap.gpu", capabilitySubject("gpu"))
}

func TestResultSubjectRoutesByExecutorType(t *testing.T) {
	require.Equal(t, "result.file_writer", resultSubject("file_writer"))
}

func TestShouldDeadLetterAfterThresholdRedeliveries(t *testing.T) {
	require.False(t, shouldDeadLetter(1, 5))
	require.False(t, shouldDeadLetter(5, 5))
	require.True(t, shouldDeadLetter(6, 5))
}
