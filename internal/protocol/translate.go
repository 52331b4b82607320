// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

// As máquinas de estado dos agents enxergam um único dialeto ("v9").
// A camada de tradução reduz as diferenças v2–v4 a dois pontos: quais
// mensagens existem em cada versão, e como endereços TCP são expressos.
// Como o dialeto interno já carrega Addr normalizado, a segunda parte
// colapsa na (de)codificação única de messages.go.

// SupportedIn informa se a mensagem existe na versão negociada.
func (m Msg) SupportedIn(version int) bool {
	switch m {
	case MsgDataListen, MsgDataConnect, MsgMoverConnect:
		// v2 estabelece a conexão de dados implicitamente no START;
		// o par LISTEN/CONNECT explícito chegou no v3.
		return version >= 3
	case MsgDataStartRecoverFilehist:
		return version >= 4
	}
	return true
}

// NegotiateVersion escolhe a versão efetiva para um CONNECT_OPEN.
// O peer propõe proposed; o agent aceita qualquer valor entre VersionMin
// e maxVersion. Retorna (versão, ok).
func NegotiateVersion(proposed, maxVersion int) (int, bool) {
	if maxVersion > VersionMax {
		maxVersion = VersionMax
	}
	if proposed < VersionMin || proposed > maxVersion {
		return 0, false
	}
	return proposed, true
}
