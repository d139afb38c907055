package dispatch

import (
	"context"

	"github.com/pkg/errors"
)

// Eligibility builds the enqueue filter for a channel: blacklisted
// recipients are rejected first, the driver then resolves the channel
// address of the rest.
func Eligibility(blacklist Blacklist, channel Channel, driver Driver) EligibilityFunc {
	return func(ctx context.Context, candidates []Message) ([]Verdict, error) {
		verdicts := make([]Verdict, 0, len(candidates))

		listed := map[string]bool{}
		if blacklist != nil && len(candidates) > 0 {
			recipients := make([]string, 0, len(candidates))
			for _, m := range candidates {
				recipients = append(recipients, m.Recipient)
			}

			var err error
			if listed, err = blacklist.Blacklisted(ctx, channel, recipients); err != nil {
				return nil, errors.Wrap(err, "Failed to look up blacklist")
			}
		}

		for _, m := range candidates {
			if listed[m.Recipient] {
				verdicts = append(verdicts, Verdict{
					MessageId: m.Id,
					Status:    StatusInvalidRecipient,
					ErrorCode: CodeBlacklisted,
				})

				continue
			}

			address, code, err := driver.Check(ctx, m.Recipient)
			if err != nil {
				return nil, errors.Wrapf(err, "Failed to check recipient of message %d", m.Id)
			}

			if code != "" {
				verdicts = append(verdicts, Verdict{
					MessageId: m.Id,
					Status:    StatusInvalidRecipient,
					ErrorCode: code,
				})

				continue
			}

			verdicts = append(verdicts, Verdict{MessageId: m.Id, Address: address})
		}

		return verdicts, nil
	}
}
