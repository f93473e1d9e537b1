package nvmepf

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmepf/internal/interfaces"
	"github.com/ehrlich-b/go-nvmepf/internal/nvme"
	"github.com/ehrlich-b/go-nvmepf/internal/passthrough"
	"github.com/ehrlich-b/go-nvmepf/internal/transfer"
)

func TestStructuredError(t *testing.T) {
	err := NewError("LINK_UP", ErrCodeInvalidParameters, "register block too small")

	assert.Equal(t, "LINK_UP", err.Op)
	assert.Equal(t, ErrCodeInvalidParameters, err.Code)
	assert.Equal(t, "nvmepf: register block too small (op=LINK_UP)", err.Error())

	qerr := NewQueueError("CREATE_SQ", 3, ErrCodeCQInvalid, "")
	assert.Equal(t, "nvmepf: completion queue invalid (op=CREATE_SQ, queue=3)", qerr.Error())
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name   string
		inner  error
		code   ErrorCode
		status nvme.Status
	}{
		{"status", nvme.Errorf(nvme.NVME_SC_QUEUE_SIZE, "qsize 0"), ErrCodeQueueSize, nvme.NVME_SC_QUEUE_SIZE | nvme.NVME_STATUS_DNR},
		{"wrapped status", fmt.Errorf("exec: %w", nvme.Errorf(nvme.NVME_SC_INVALID_NS, "nsid 9")), ErrCodeInvalidNamespace, nvme.NVME_SC_INVALID_NS | nvme.NVME_STATUS_DNR},
		{"link down", passthrough.ErrLinkDown, ErrCodeLinkDown, 0},
		{"backend lost", fmt.Errorf("submit: %w", interfaces.ErrControllerLost), ErrCodeBackendLost, 0},
		{"bulk timeout", transfer.ErrTimeout, ErrCodeTimeout, 0},
		{"errno", syscall.ETIMEDOUT, ErrCodeTimeout, 0},
		{"plain", errors.New("boom"), ErrCodeInternal, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapError("HOST_READ", tt.inner)
			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.status, err.Status)
			assert.ErrorIs(t, err, tt.inner)
		})
	}

	assert.Nil(t, WrapError("NOP", nil))
}

func TestWrapStructuredKeepsContext(t *testing.T) {
	inner := NewQueueError("CREATE_CQ", 2, ErrCodeInvalidVector, "vector 9")
	err := WrapError("ADMIN", fmt.Errorf("dispatch: %w", inner))

	assert.Equal(t, "ADMIN", err.Op)
	assert.Equal(t, 2, err.Queue)
	assert.Equal(t, ErrCodeInvalidVector, err.Code)
	assert.Equal(t, "CREATE_CQ", inner.Op)
}

func TestSentinelErrors(t *testing.T) {
	structured := &Error{Queue: -1, Code: ErrCodeNotReady}
	assert.ErrorIs(t, structured, ErrNotReady)
	assert.NotErrorIs(t, structured, ErrLinkDown)
	assert.Equal(t, "nvmepf: controller not ready", ErrNotReady.Error())

	wrapped := fmt.Errorf("stop: %w", structured)
	assert.ErrorIs(t, wrapped, ErrNotReady)
	assert.True(t, IsCode(wrapped, ErrCodeNotReady))
	assert.False(t, IsCode(errors.New("x"), ErrCodeNotReady))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, nvme.NVME_SC_SUCCESS, StatusOf(nil))
	assert.Equal(t, nvme.NVME_SC_INTERNAL|nvme.NVME_STATUS_DNR, StatusOf(errors.New("x")))

	err := WrapError("IO", nvme.Errorf(nvme.NVME_SC_DATA_XFER_ERROR, "segment 1"))
	assert.Equal(t, nvme.NVME_SC_DATA_XFER_ERROR|nvme.NVME_STATUS_DNR, StatusOf(err))
}
