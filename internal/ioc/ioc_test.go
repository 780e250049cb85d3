package ioc

import (
	"reflect"
	"testing"
)

func TestDetectPrecedence(t *testing.T) {
	e := New()
	tests := []struct {
		name string
		text string
		want IOC
	}{
		{"url wins over everything", "check evil.com then http://evil.com/path and 8.8.8.8", IOC{"http://evil.com/path", TypeURL}},
		{"hash wins over ip", "hash d41d8cd98f00b204e9800998ecf8427e from 8.8.8.8", IOC{"d41d8cd98f00b204e9800998ecf8427e", TypeHash}},
		{"ip wins over domain", "evil.com resolved to 185.220.101.1", IOC{"185.220.101.1", TypeIP}},
		{"domain alone", "traffic to files.evil-cdn.net observed", IOC{"files.evil-cdn.net", TypeDomain}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.Detect(tt.text)
			if !ok {
				t.Fatal("expected a detection")
			}
			if got != tt.want {
				t.Errorf("Detect = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDetectNothing(t *testing.T) {
	e := New()
	if _, ok := e.Detect("please summarise yesterday's shift handover"); ok {
		t.Error("detected an IOC in plain prose")
	}
}

func TestHashLengthPreference(t *testing.T) {
	e := New()
	sha256 := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	sha1 := "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	md5 := "d41d8cd98f00b204e9800998ecf8427e"

	got := e.ExtractAll("md5 " + md5 + " sha1 " + sha1 + " sha256 " + sha256)
	want := []IOC{{sha256, TypeHash}, {sha1, TypeHash}, {md5, TypeHash}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("hash ordering = %v, want %v", got, want)
	}
}

func TestPrivateRanges(t *testing.T) {
	e := New()
	excluded := []string{"10.0.0.1", "172.16.0.1", "172.31.255.255", "192.168.1.1", "127.0.0.1"}
	for _, ip := range excluded {
		if _, ok := e.Detect("traffic from " + ip + " observed"); ok {
			t.Errorf("%s should be excluded", ip)
		}
	}
	included := []string{"172.15.0.1", "172.32.0.1", "8.8.8.8"}
	for _, ip := range included {
		got, ok := e.Detect("traffic from " + ip + " observed")
		if !ok || got.Value != ip || got.Type != TypeIP {
			t.Errorf("%s should be extracted as an ip, got (%+v, %v)", ip, got, ok)
		}
	}
}

func TestOctetValidation(t *testing.T) {
	e := New()
	if _, ok := e.Detect("bogus address 999.1.1.300"); ok {
		t.Error("invalid octets accepted")
	}
}

func TestDomainTLDAllowList(t *testing.T) {
	e := New()
	if got, ok := e.Detect("beacon to c2.badhost.xyz"); !ok || got.Type != TypeDomain || got.Value != "c2.badhost.xyz" {
		t.Errorf("allowed TLD not extracted, got (%+v, %v)", got, ok)
	}
	if _, ok := e.Detect("see internal.badhost.dev for details"); ok {
		t.Error("TLD outside the allow-list extracted")
	}
}

func TestCompanyDomainSuppression(t *testing.T) {
	e := New("acme.com")
	if _, ok := e.Detect("mail from portal.acme.com arrived"); ok {
		t.Error("company subdomain flagged as IOC")
	}
	if _, ok := e.Detect("see https://wiki.acme.com/runbooks"); ok {
		t.Error("company URL flagged as IOC")
	}
	if got, ok := e.Detect("mail from portal.acmecorp.com arrived"); !ok || got.Value != "portal.acmecorp.com" {
		t.Errorf("unrelated domain suppressed, got (%+v, %v)", got, ok)
	}
}

func TestExtractAll(t *testing.T) {
	e := New("acme.com")
	text := `Ticket: phishing mail from sender@mail-relay.biz
Payload hosted at http://185.220.101.44/drop.bin
Attachment md5 d41d8cd98f00b204e9800998ecf8427e
Callback to 185.220.101.1 and to cdn.evil.net
Internal hop 10.0.0.12, reported via portal.acme.com
Duplicate mention of 185.220.101.1`

	got := e.ExtractAll(text)
	want := []IOC{
		{"http://185.220.101.44/drop.bin", TypeURL},
		{"d41d8cd98f00b204e9800998ecf8427e", TypeHash},
		{"185.220.101.1", TypeIP},
		{"mail-relay.biz", TypeDomain},
		{"cdn.evil.net", TypeDomain},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractAll =\n%v\nwant\n%v", got, want)
	}
}

func TestURLClaimsItsSpan(t *testing.T) {
	e := New()
	got := e.ExtractAll("fetches http://drop.evil.com/a.bin then sleeps")
	want := []IOC{{"http://drop.evil.com/a.bin", TypeURL}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected the URL only, got %v", got)
	}
}

func TestURLTrailingPunctuation(t *testing.T) {
	e := New()
	got, ok := e.Detect("see http://evil.com/path.")
	if !ok || got.Value != "http://evil.com/path" {
		t.Errorf("trailing punctuation not trimmed, got (%+v, %v)", got, ok)
	}
}
