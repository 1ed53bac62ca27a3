package signaling

import (
	"context"
	"fmt"

	"github.com/sfuforge/routingcore/internal/ids"
	"github.com/sfuforge/routingcore/internal/logging"
)

// withBinding stamps the session's room and user onto the context, so
// every log line below picks them up through the logging package's
// context fields instead of each call site repeating explicit fields.
func withBinding(ctx context.Context, room ids.RoomID, user ids.UserID) context.Context {
	ctx = context.WithValue(ctx, logging.RoomIDKey, fmt.Sprint(room))
	return context.WithValue(ctx, logging.UserIDKey, fmt.Sprint(user))
}
