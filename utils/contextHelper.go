package utils

import (
	"context"

	"github.com/AIFMgroup/AIFM-sub013/appctx"
)

var (
	ContextKeyCompanyId     = appctx.ContextKeyCompanyId
	ContextKeyJobId         = appctx.ContextKeyJobId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyTrigger       = appctx.ContextKeyTrigger
)

func GetCompanyIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCompanyId)
}

func GetJobIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyJobId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
