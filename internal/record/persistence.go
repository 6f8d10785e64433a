package record

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"bitwise74/attachments/internal/attachment"

	"go.uber.org/zap"
)

var placeholder = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// AccessKey is the payload sealed into an attachment's KeyID. It identifies
// one attachment of one row so an HTTP handler can serve variants on demand
// without trusting the client.
type AccessKey struct {
	Model     string             `json:"model"`
	ID        any                `json:"id"`
	Attribute string             `json:"attribute"`
	Index     int                `json:"index"`
	Options   attachment.Options `json:"options"`
}

// resolveFolder replaces :column placeholders with the row's values. Unknown
// placeholders are kept as they are.
func (c *Coordinator) resolveFolder(folder string) string {
	if !strings.Contains(folder, ":") {
		return folder
	}

	return placeholder.ReplaceAllStringFunc(folder, func(m string) string {
		f := c.schema.LookUpField(m[1:])
		if f == nil {
			return m
		}

		v := reflect.Indirect(f.ReflectValueOf(context.Background(), c.row))
		if !v.IsValid() {
			return ""
		}
		return fmt.Sprint(v.Interface())
	})
}

// PreComputeURLs fills the URL of every attachment and variant whose options
// ask for it.
func (c *Coordinator) PreComputeURLs(ctx context.Context) error {
	for _, col := range c.model.Columns {
		list, err := c.GetAttachments(col.Name)
		if err != nil {
			return err
		}

		for _, a := range list {
			if a.IsPending() {
				continue
			}
			if err := c.svc.manager.PreComputeURL(ctx, a); err != nil {
				return fmt.Errorf("failed to compute url of %s, %w", col.Name, err)
			}
		}
	}
	return nil
}

// ComputeAccessKeys seals an AccessKey into every stored attachment of the
// row. Rows without a primary key value are skipped.
func (c *Coordinator) ComputeAccessKeys() error {
	if c.svc.encrypter == nil {
		return nil
	}

	pk := c.schema.PrioritizedPrimaryField
	if pk == nil {
		return nil
	}
	id, zero := pk.ValueOf(context.Background(), c.row)
	if zero {
		return nil
	}

	for _, col := range c.model.Columns {
		list, err := c.GetAttachments(col.Name)
		if err != nil {
			return err
		}

		for i, a := range list {
			if a.IsPending() {
				continue
			}

			key, err := c.svc.encrypter.Encrypt(AccessKey{
				Model:     c.schema.Name,
				ID:        id,
				Attribute: col.Name,
				Index:     i,
				Options:   a.Options,
			})
			if err != nil {
				return fmt.Errorf("failed to compute access key, %w", err)
			}
			a.KeyID = key
		}
	}
	return nil
}

// decorate runs the read-side steps for a row that was just loaded or saved.
// Failures only leave the transient fields empty.
func (c *Coordinator) decorate(ctx context.Context) {
	if err := c.PreComputeURLs(ctx); err != nil {
		zap.L().Warn("Failed to precompute attachment urls", zap.String("model", c.schema.Name), zap.Error(err))
	}
	if err := c.ComputeAccessKeys(); err != nil {
		zap.L().Warn("Failed to compute attachment access keys", zap.String("model", c.schema.Name), zap.Error(err))
	}
}
