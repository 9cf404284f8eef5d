package keys

import "testing"

func TestDeriveIsDeterministic(t *testing.T) {
	local := []byte("client-nonce-aaaaaaaaaaaaaaaaaaa")
	remote := []byte("server-nonce-bbbbbbbbbbbbbbbbbbb")

	a := Derive(local, remote, "issue")
	b := Derive(local, remote, "issue")
	if a != b {
		t.Fatal("Derive should be deterministic for identical inputs")
	}
}

func TestDeriveDiffersByLabel(t *testing.T) {
	local := []byte("client-nonce-aaaaaaaaaaaaaaaaaaa")
	remote := []byte("server-nonce-bbbbbbbbbbbbbbbbbbb")

	issue := Derive(local, remote, "issue")
	renew := Derive(local, remote, "renew")
	if issue == renew {
		t.Fatal("Derive should produce distinct keys for issue vs renew labels")
	}
}

func TestDeriveClientAndServerKeysDiffer(t *testing.T) {
	pair := Derive([]byte("local-nonce-value"), []byte("remote-nonce-value"), "issue")
	if pair.ClientKey == pair.ServerKey {
		t.Fatal("client and server keys must not collide")
	}
}

func TestDeriveChangesWithRemoteNonce(t *testing.T) {
	local := []byte("client-nonce-aaaaaaaaaaaaaaaaaaa")
	a := Derive(local, []byte("remote-nonce-one"), "issue")
	b := Derive(local, []byte("remote-nonce-two"), "issue")
	if a == b {
		t.Fatal("Derive should depend on the remote nonce")
	}
}
