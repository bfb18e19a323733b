package ingestion

import (
	"encoding/json"
	"log"

	"github.com/nats-io/nats.go"

	"OmniVault/internal/oracle"
)

// PriceSubject carries oracle quotes. One message per token.
const PriceSubject = "oracle.prices"

type priceJSON struct {
	Token    string `json:"token"`
	Min      string `json:"min"`
	Max      string `json:"max"`
	Decimals int    `json:"decimals"`
}

// PriceFeed streams oracle quotes from NATS into the in-process price
// table. Quotes use core NATS, not JetStream: a missed quote is superseded
// by the next one, so durability buys nothing.
type PriceFeed struct {
	nc       *nats.Conn
	consumer *oracle.StaticConsumer
	sub      *nats.Subscription
}

func NewPriceFeed(nc *nats.Conn, consumer *oracle.StaticConsumer) *PriceFeed {
	return &PriceFeed{nc: nc, consumer: consumer}
}

// Start subscribes to the price subject. Malformed quotes are logged and
// dropped; the previous quote stays current until it ages out.
func (pf *PriceFeed) Start() error {
	sub, err := pf.nc.Subscribe(PriceSubject, func(msg *nats.Msg) {
		var quote priceJSON
		if err := json.Unmarshal(msg.Data, &quote); err != nil {
			log.Printf("WARN: malformed price quote: %v", err)
			return
		}
		if quote.Token == "" {
			log.Printf("WARN: price quote missing token")
			return
		}

		min, err := parseBig(quote.Min, "min")
		if err != nil {
			log.Printf("WARN: price quote for %s: %v", quote.Token, err)
			return
		}
		max, err := parseBig(quote.Max, "max")
		if err != nil {
			log.Printf("WARN: price quote for %s: %v", quote.Token, err)
			return
		}
		if max.Sign() == 0 {
			max = min
		}

		pf.consumer.SetPrice(quote.Token, min, max, quote.Decimals)
	})
	if err != nil {
		return err
	}
	pf.sub = sub
	return nil
}

// Stop unsubscribes from the price subject.
func (pf *PriceFeed) Stop() {
	if pf.sub != nil {
		_ = pf.sub.Unsubscribe()
	}
}
