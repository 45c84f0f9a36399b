package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/guestmem/internal/hostarch"
)

type contextKey string

const (
	GuestIDContextKey contextKey = "guest.id"
	VCPUContextKey    contextKey = "vcpu.id"
)

// WithGuestID stores the guest id in the context so every log entry carries it.
func WithGuestID(ctx context.Context, guestID string) context.Context {
	return context.WithValue(ctx, GuestIDContextKey, guestID)
}

// WithVCPU stores the id of the faulting vCPU in the context.
func WithVCPU(ctx context.Context, vcpu int) context.Context {
	return context.WithValue(ctx, VCPUContextKey, vcpu)
}

func GetGuestID(ctx context.Context) *string {
	value, ok := ctx.Value(GuestIDContextKey).(string)
	if !ok {
		return nil
	}

	return &value
}

func GetVCPU(ctx context.Context) *int {
	value, ok := ctx.Value(VCPUContextKey).(int)
	if !ok {
		return nil
	}

	return &value
}

func withContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if id := GetGuestID(ctx); id != nil {
		fields = append(fields, WithGuest(*id))
	}

	if vcpu := GetVCPU(ctx); vcpu != nil {
		fields = append(fields, zap.Int("vcpu.id", *vcpu))
	}

	return fields
}

func WithGuest(guestID string) zap.Field {
	return zap.String("guest.id", guestID)
}

// WithAddr formats an address in hex, which is how every other tool prints them.
func WithAddr(key string, addr hostarch.Addr) zap.Field {
	return zap.String(key, fmt.Sprintf("%#x", uint64(addr)))
}

func WithRange(key string, r hostarch.AddrRange) zap.Field {
	return zap.Stringer(key, r)
}
