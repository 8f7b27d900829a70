package docstore_test

import (
	"testing"

	"github.com/tourchat/chat-core/internal/docstore"
	"github.com/tourchat/chat-core/internal/docstore/docstoretest"
)

func TestMemory_Contract(t *testing.T) {
	docstoretest.Run(t, func(t *testing.T) docstore.Store { return docstore.NewMemory() })
}
