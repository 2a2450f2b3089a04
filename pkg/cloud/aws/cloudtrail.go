package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
)

type CloudTrailClient interface {
	StopLogging(ctx context.Context, params *cloudtrail.StopLoggingInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.StopLoggingOutput, error)
	DeleteTrail(ctx context.Context, params *cloudtrail.DeleteTrailInput, optFns ...func(*cloudtrail.Options)) (*cloudtrail.DeleteTrailOutput, error)
}

// TrailManager tears down the per-account trail when an account is
// disabled or deleted.
type TrailManager struct {
	ClientFor func(account model.Account) CloudTrailClient
	// TrailName is the per-account trail created at enrollment. The
	// customer's setup template names it after the engine.
	TrailName string
	Log       *slog.Logger
}

// NewTrailManager builds a manager that assumes each account's role in
// its home region.
func NewTrailManager(c *Client, trailName, region string, log *slog.Logger) *TrailManager {
	return &TrailManager{
		ClientFor: func(account model.Account) CloudTrailClient {
			return cloudtrail.NewFromConfig(c.AssumeRole(account.RoleARN, region))
		},
		TrailName: trailName,
		Log:       log,
	}
}

// Teardown stops and deletes the account's trail. A trail that is already
// gone, or a role the customer already severed, does not block teardown;
// the remaining cleanup must still run.
func (m *TrailManager) Teardown(ctx context.Context, account model.Account) error {
	client := m.ClientFor(account)
	name := sdk.String(m.TrailName)

	if _, err := client.StopLogging(ctx, &cloudtrail.StopLoggingInput{Name: name}); err != nil {
		if tolerable := m.tolerate(account, "stop logging", err); !tolerable {
			return fmt.Errorf("stop logging for %s: %w", account.ID, errs.ClassifyAWS(err))
		}
		return nil
	}
	if _, err := client.DeleteTrail(ctx, &cloudtrail.DeleteTrailInput{Name: name}); err != nil {
		if tolerable := m.tolerate(account, "delete trail", err); !tolerable {
			return fmt.Errorf("delete trail for %s: %w", account.ID, errs.ClassifyAWS(err))
		}
	}
	return nil
}

func (m *TrailManager) tolerate(account model.Account, op string, err error) bool {
	classified := errs.ClassifyAWS(err)
	if errs.IsNotFound(classified) || errors.Is(classified, errs.ErrPermissionDenied) {
		m.Log.Warn("trail teardown skipped",
			"account_id", account.ID, "op", op, "error", err)
		return true
	}
	return false
}
