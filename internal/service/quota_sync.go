package service

import (
	"context"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/infra/client"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

// quotaSyncScript runs inside the logged-in console. It reuses the page's own
// session to load the first API token and overwrite its remaining quota.
// The %d verb receives the target quota in upstream units.
const quotaSyncScript = `(async () => {
	let userId = '';
	try {
		const user = JSON.parse(localStorage.getItem('user') || '{}');
		if (user && user.id !== undefined) userId = String(user.id);
	} catch (e) {}
	const headers = {'Accept': 'application/json', 'Content-Type': 'application/json'};
	if (userId) headers['New-Api-User'] = userId;
	try {
		const listResp = await fetch('/api/token/?p=0&size=1', {credentials: 'include', headers});
		const list = await listResp.json();
		if (!list.success) return {ok: false, message: 'list tokens: ' + (list.message || listResp.status)};
		const data = list.data || {};
		const items = Array.isArray(data) ? data : (data.items || data.data || []);
		if (!items.length) return {ok: false, message: 'no api token found'};
		const token = Object.assign({}, items[0], {remain_quota: %d, unlimited_quota: false});
		const putResp = await fetch('/api/token/', {method: 'PUT', credentials: 'include', headers, body: JSON.stringify(token)});
		const put = await putResp.json();
		if (!put.success) return {ok: false, message: 'update token: ' + (put.message || putResp.status)};
		return {ok: true, message: 'token ' + (token.name || token.id) + ' quota set to %d'};
	} catch (e) {
		return {ok: false, message: String(e)};
	}
})()`

type quotaSyncResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// QuotaSyncer aligns the first API token's remaining quota with the balance
// just read from the console. Failures are reported, never raised.
type QuotaSyncer struct {
	logger *zap.Logger
}

// NewQuotaSyncer creates a QuotaSyncer.
func NewQuotaSyncer(logger *zap.Logger) *QuotaSyncer {
	return &QuotaSyncer{logger: logger}
}

// Sync converts balance ("$12.5") to quota units and writes it to the token.
func (q *QuotaSyncer) Sync(ctx context.Context, s port.Session, balance string) domain.SyncOutcome {
	ctx, span := tracer.Start(ctx, "QuotaSyncer.Sync")
	defer span.End()

	v, err := domain.ParseAmount(balance)
	if err != nil {
		return domain.SyncOutcome{Message: err.Error()}
	}
	quota := int64(math.Round(v * client.QuotaPerDollar))
	span.SetAttributes(attribute.Int64("quota.target", quota))

	var resp quotaSyncResponse
	if err := s.Evaluate(ctx, fmt.Sprintf(quotaSyncScript, quota, quota), &resp); err != nil {
		q.logger.Warn("quota sync script failed", zap.Error(err))
		return domain.SyncOutcome{Message: fmt.Sprintf("quota sync: %v", err)}
	}
	if !resp.OK {
		q.logger.Warn("quota sync rejected", zap.String("message", resp.Message))
	} else {
		q.logger.Info("quota synced", zap.Int64("quota", quota))
	}
	return domain.SyncOutcome{Success: resp.OK, Message: resp.Message}
}

var _ port.QuotaSyncer = (*QuotaSyncer)(nil)
