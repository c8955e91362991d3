package auth

import "apigateway/internal/apperr"

// AccessRule правила доступа маршрута
type AccessRule struct {
	AuthRequired bool

	// nil означает, что белого списка нет
	AllowedConsumers map[string]struct{}
}

// NewAccessRule строит правило; nil список оставляет маршрут без белого списка
func NewAccessRule(authRequired bool, allowed []string) AccessRule {
	rule := AccessRule{AuthRequired: authRequired}
	if allowed != nil {
		rule.AllowedConsumers = make(map[string]struct{}, len(allowed))
		for _, id := range allowed {
			rule.AllowedConsumers[id] = struct{}{}
		}
	}
	return rule
}

// Authorize решает, пускать ли потребителя на маршрут
func Authorize(rule AccessRule, principal *Principal) error {
	if !rule.AuthRequired {
		return nil
	}
	if principal == nil {
		return apperr.New(apperr.KindUnauthenticated, "authentication required", nil)
	}
	if rule.AllowedConsumers != nil {
		if _, ok := rule.AllowedConsumers[principal.ConsumerID]; !ok {
			return apperr.New(apperr.KindForbidden, "consumer "+principal.ConsumerID+" is not allowed on this route", nil)
		}
	}
	return nil
}
