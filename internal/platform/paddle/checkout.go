package paddle

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CheckoutData is handed to Paddle.Checkout.open on the client.
type CheckoutData struct {
	Items      []CheckoutItem `json:"items"`
	Customer   Customer       `json:"customer"`
	CustomData CustomData     `json:"customData"`
	SuccessURL string         `json:"successUrl"`
	CancelURL  string         `json:"cancelUrl"`
}

type CheckoutItem struct {
	PriceID  string `json:"priceId"`
	Quantity int    `json:"quantity"`
}

type Customer struct {
	Email string `json:"email"`
}

// CustomData travels through the checkout and comes back on every
// transaction notification.
type CustomData struct {
	BillID      string `json:"bill_id"`
	PatientName string `json:"patient_name"`
}

// CorrelationIDs mints checkout correlation ids of the form
// chk_<unix-ms>_<snowflake-base36>.
type CorrelationIDs struct {
	node *snowflake.Node
	now  func() time.Time
}

func NewCorrelationIDs(nodeID int64) (*CorrelationIDs, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &CorrelationIDs{node: node, now: time.Now}, nil
}

func (g *CorrelationIDs) Next() string {
	return "chk_" + strconv.FormatInt(g.now().UnixMilli(), 10) + "_" + g.node.Generate().Base36()
}
