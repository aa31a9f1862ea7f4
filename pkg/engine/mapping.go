package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// MappingResolver translates between internal attribute names/values and
// external attribute names/values for one (entity, resource) pair. The
// transform is pure except that virtual attribute resolution reads through
// the VirAttrCache.
type MappingResolver struct {
	cache *VirAttrCache
}

// NewMappingResolver creates a resolver. The cache may be nil for callers
// that never resolve virtual attributes (inbound-only use).
func NewMappingResolver(cache *VirAttrCache) *MappingResolver {
	return &MappingResolver{cache: cache}
}

// derivedAttrRef matches $(name) references inside derived attribute templates.
var derivedAttrRef = regexp.MustCompile(`\$\(([^)]+)\)`)

// Resolve builds the external attribute set for one (entity, resource) pair
// in the given direction. Value list element order is preserved. The
// resolved connObjectKey value becomes the record key; an empty key value,
// or zero/multiple key items, is a mapping error.
func (r *MappingResolver) Resolve(ctx context.Context, entity *AnyEntity, resource *ExternalResource, dir Direction) (*ConnObject, error) {
	provision, err := resource.Provision(entity.Kind)
	if err != nil {
		return nil, err
	}

	keyItem, err := provision.Mapping.ConnObjectKeyItem()
	if err != nil {
		return nil, classifyMappingErr(err, resource.Key)
	}

	obj := &ConnObject{
		Class: provision.ObjectClass,
		Attrs: make(map[string][]string),
	}

	for _, item := range provision.Mapping.ItemsFor(dir) {
		values, err := r.resolveInternal(ctx, entity, resource, &item)
		if err != nil {
			return nil, classifyMappingErr(err, resource.Key)
		}
		obj.Attrs[item.ExtAttrName] = values
	}

	keyValue, err := connObjectKeyValue(entity, provision)
	if err != nil {
		return nil, classifyMappingErr(err, resource.Key)
	}
	obj.Key = keyValue

	// The key attribute always rides along, whatever the item's purpose.
	if _, ok := obj.Attrs[keyItem.ExtAttrName]; !ok {
		obj.Attrs[keyItem.ExtAttrName] = []string{keyValue}
	}

	return obj, nil
}

// resolveInternal resolves one mapping item to its current ordered value list.
func (r *MappingResolver) resolveInternal(ctx context.Context, entity *AnyEntity, resource *ExternalResource, item *MappingItem) ([]string, error) {
	switch item.IntAttrType {
	case IntAttrPlain:
		values, ok := entity.PlainAttr(item.IntAttrName)
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("plain attribute %q not on entity %s schema", item.IntAttrName, entity.Key), nil).
				WithCode(ErrCodeMapping)
		}
		return append([]string(nil), values...), nil

	case IntAttrDerived:
		template, ok := entity.DerivedAttrs[item.IntAttrName]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("derived attribute %q not on entity %s schema", item.IntAttrName, entity.Key), nil).
				WithCode(ErrCodeMapping)
		}
		return []string{expandDerived(template, entity)}, nil

	case IntAttrVirtual:
		if !entity.HasVirSchema(item.IntAttrName) {
			return nil, NewPermanentError(
				fmt.Sprintf("virtual schema %q not on entity %s", item.IntAttrName, entity.Key), nil).
				WithCode(ErrCodeMapping)
		}
		if r.cache == nil {
			return nil, NewPermanentError(
				fmt.Sprintf("virtual schema %q requires a cache-backed resolver", item.IntAttrName), nil).
				WithCode(ErrCodeMapping)
		}
		// Cache reads degrade to an empty value list on fetch failure.
		return r.cache.Read(ctx, entity, item.IntAttrName), nil

	default:
		return nil, NewPermanentError(
			fmt.Sprintf("invalid internal attribute type %q", item.IntAttrType), nil).
			WithCode(ErrCodeMapping)
	}
}

// connObjectKeyValue resolves the entity's external record identifier on the
// provision. The key item must be plain or derived: a virtual key would need
// the external record identifier to fetch itself.
func connObjectKeyValue(entity *AnyEntity, provision *Provision) (string, error) {
	item, err := provision.Mapping.ConnObjectKeyItem()
	if err != nil {
		return "", err
	}

	var value string
	switch item.IntAttrType {
	case IntAttrPlain:
		values, ok := entity.PlainAttr(item.IntAttrName)
		if !ok || len(values) == 0 {
			return "", NewPermanentError(
				fmt.Sprintf("connObjectKey attribute %q has no value on entity %s", item.IntAttrName, entity.Key), nil).
				WithCode(ErrCodeMapping)
		}
		value = values[0]
	case IntAttrDerived:
		template, ok := entity.DerivedAttrs[item.IntAttrName]
		if !ok {
			return "", NewPermanentError(
				fmt.Sprintf("connObjectKey attribute %q not on entity %s schema", item.IntAttrName, entity.Key), nil).
				WithCode(ErrCodeMapping)
		}
		value = expandDerived(template, entity)
	default:
		return "", NewPermanentError(
			fmt.Sprintf("connObjectKey item %q must be plain or derived", item.IntAttrName), nil).
			WithCode(ErrCodeMapping)
	}

	if value == "" {
		return "", NewPermanentError(
			fmt.Sprintf("connObjectKey attribute %q resolved empty on entity %s", item.IntAttrName, entity.Key), nil).
			WithCode(ErrCodeMapping)
	}
	return value, nil
}

// expandDerived substitutes $(name) references with the first value of the
// referenced plain attribute; unknown references expand to the empty string.
func expandDerived(template string, entity *AnyEntity) string {
	return derivedAttrRef.ReplaceAllStringFunc(template, func(ref string) string {
		name := derivedAttrRef.FindStringSubmatch(ref)[1]
		if values, ok := entity.PlainAttr(name); ok && len(values) > 0 {
			return values[0]
		}
		return ""
	})
}

// InboundAttrs maps an external record's attributes onto internal plain
// attribute names using the provision's synchronization items. Derived
// attributes are computed, never written; virtual attribute values are never
// stored internally. Both categories are therefore skipped.
func InboundAttrs(obj *ConnObject, provision *Provision) map[string][]string {
	attrs := make(map[string][]string)
	for _, item := range provision.Mapping.ItemsFor(DirectionInbound) {
		if item.IntAttrType != IntAttrPlain {
			continue
		}
		if values, ok := obj.Attrs[item.ExtAttrName]; ok {
			attrs[item.IntAttrName] = append([]string(nil), values...)
		}
	}
	return attrs
}

// classifyMappingErr stamps resource context onto mapping errors.
func classifyMappingErr(err error, resourceKey string) error {
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		if pe.Resource == "" {
			pe.Resource = resourceKey
		}
		return pe
	}
	return NewPermanentError("mapping resolution failed", err).
		WithCode(ErrCodeMapping).WithResource(resourceKey)
}
