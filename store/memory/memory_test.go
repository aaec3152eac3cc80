package memory

import (
	"testing"

	"github.com/verifiedmeasure/leadvault/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return New()
	})
}
