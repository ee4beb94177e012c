package signaling

import (
	"fmt"

	"github.com/gb28181/vms/internal/sip/transport"
)

// TransportSender adapts *transport.Transport's concretely-typed Send
// method to transaction.Sender's `any`-typed one, so the transaction
// table can retry a request without transaction importing transport
// directly. association must be a transport.Association; any other
// dynamic type is a caller bug, not a transport failure.
type TransportSender struct {
	T *transport.Transport
}

func (s TransportSender) Send(association any, raw []byte) error {
	assoc, ok := association.(transport.Association)
	if !ok {
		return fmt.Errorf("signaling: transaction association has unexpected type %T", association)
	}
	return s.T.Send(assoc, raw)
}
