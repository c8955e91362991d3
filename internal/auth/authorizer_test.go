package auth

import (
	"testing"

	"apigateway/internal/apperr"
)

func TestAuthorize_PublicRoute(t *testing.T) {
	rule := NewAccessRule(false, []string{"company-a"})
	if err := Authorize(rule, nil); err != nil {
		t.Fatalf("публичный маршрут пускает без принципала: %v", err)
	}
	if err := Authorize(rule, &Principal{ConsumerID: "company-b"}); err != nil {
		t.Fatalf("публичный маршрут не проверяет белый список: %v", err)
	}
}

func TestAuthorize_RequiresPrincipal(t *testing.T) {
	err := Authorize(NewAccessRule(true, nil), nil)
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		t.Fatalf("ожидался unauthenticated, получено %v", err)
	}
}

func TestAuthorize_Whitelist(t *testing.T) {
	rule := NewAccessRule(true, []string{"company-a"})

	if err := Authorize(rule, &Principal{ConsumerID: "company-a"}); err != nil {
		t.Fatalf("company-a в белом списке: %v", err)
	}

	err := Authorize(rule, &Principal{ConsumerID: "company-b"})
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("company-b должна получить forbidden, получено %v", err)
	}
	if apperr.StatusCode(apperr.KindOf(err)) != 403 {
		t.Fatal("forbidden отображается в 403")
	}
}

func TestAuthorize_NoWhitelistVsEmptyWhitelist(t *testing.T) {
	p := &Principal{ConsumerID: "company-a"}

	if err := Authorize(NewAccessRule(true, nil), p); err != nil {
		t.Fatalf("без белого списка пускается любой аутентифицированный: %v", err)
	}

	err := Authorize(NewAccessRule(true, []string{}), p)
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Fatalf("пустой белый список не пускает никого, получено %v", err)
	}
}
