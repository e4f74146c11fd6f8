package usecase

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"wpp-relay/internal/domain"
)

// User-facing notices. They are fixed strings so the counterparty bot and
// support staff can recognise them.
const (
	NoticeInternalError       = "Ocorreu um erro interno. Por favor, tente novamente."
	NoticeNotRelevant         = "Não foi possível processar a requisição. Por favor, verifique se o assunto está relacionado a Porto Seguro e tente novamente."
	NoticeFollowUp            = "Por favor, forneça mais informações."
	NoticeAccepted            = "Ok! Estamos processando sua requisição. Por favor, aguarde um momento."
	NoticeUnsupportedDocument = "São suportados apenas documentos em PDF ou imagens"
)

func noticePageLimit(maxPages int) string {
	return fmt.Sprintf("O documento excede o limite de %d páginas", maxPages)
}

const (
	statusOK       = "ok"
	statusFollowUp = "follow-up"
	statusError    = "error"
)

// extractionResult is the structured output of the extraction call.
type extractionResult struct {
	Reasoning        []string             `json:"reasoning"`
	ValidationStatus string               `json:"validation_status"`
	Mensagem         string               `json:"mensagem"`
	ExtractedData    domain.ExtractedData `json:"extracted_data"`
}

func defaultExtractionPrompt() string {
	return strings.Join([]string{
		"Você recebe mensagens de clientes da Porto Seguro enviadas pelo WhatsApp.",
		"Sua tarefa é extrair e validar os dados do atendimento, sem avançar no fluxo.",
		"",
		"Etapas:",
		"1) Extração: identifique nome, CPF, telefone, problema e identificador (número do sinistro ou protocolo).",
		"2) Validação: para cada campo, diga se foi encontrado e se o valor parece completo e válido.",
		"3) Resultado: defina validation_status e mensagem.",
		"",
		"Regras de status:",
		`- "ok" quando todos os campos obrigatórios estão presentes e válidos; mensagem vazia.`,
		`- "follow-up" quando faltar ou for inválido algum campo; a mensagem, em português, cita exatamente o que falta.`,
		`- "error" quando o assunto não é pertinente à Porto Seguro; mensagem vazia.`,
		"",
		"Considere todo o histórico da conversa: dados informados em mensagens anteriores continuam válidos.",
		"Campos não encontrados ficam como texto vazio; identificador ausente fica nulo.",
		"",
		"Formato de saída:",
		extractionContract(),
	}, "\n")
}

func extractionContract() string {
	return "Responda apenas com JSON contendo reasoning (lista de strings em português, primeiro extração e depois validação), " +
		"validation_status (ok, follow-up ou error), mensagem (string) e " +
		"extracted_data (nome, CPF, telefone, problema, identificador)."
}

func defaultRelayPrompt() string {
	return strings.Join([]string{
		"Você é um agente intermediário entre um cliente (user) e o atendimento automatizado da Porto Seguro (counterparty).",
		"A cada turno, analise o histórico, o contexto compartilhado e os dados do atendimento antes de agir.",
		"",
		"Regras:",
		"1) Toda comunicação acontece pela ferramenta send_message; nunca responda com texto livre.",
		`2) O campo "to" é "user" para o cliente ou "counterparty" para o atendimento.`,
		"3) As mensagens são sempre em português, claras e curtas.",
		"4) Ao responder ao atendimento, envie somente a informação pedida, sem texto extra.",
		`   Exemplo: pedido "Me mande o CPF" -> resposta "11122233344".`,
		"5) Quando o atendimento oferecer opções, responda apenas com uma opção válida.",
		"6) Pergunte ao cliente somente quando faltar informação para seguir.",
		"7) Não envie duas mensagens seguidas com a mesma informação; prefira uma mensagem por turno.",
		"8) Se os telefones forem iguais, trata-se de um teste: continue alternando entre cliente e atendimento.",
	}, "\n")
}

func parseExtraction(raw string) (extractionResult, error) {
	var out extractionResult
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return extractionResult{}, fmt.Errorf("usecase: decode extraction: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return extractionResult{}, errors.New("usecase: decode extraction: multiple JSON values")
		}
		return extractionResult{}, fmt.Errorf("usecase: decode extraction trailing data: %w", err)
	}
	switch out.ValidationStatus {
	case statusOK, statusFollowUp, statusError:
	default:
		return extractionResult{}, fmt.Errorf("usecase: unknown validation status %q", out.ValidationStatus)
	}
	return out, nil
}

var fieldLabels = map[string]string{
	"nome":          "nome completo",
	"CPF":           "CPF",
	"telefone":      "telefone de contato",
	"problema":      "descrição do problema",
	"identificador": "número do sinistro ou protocolo",
}

// applyRequiredFields downgrades an ok result to follow-up when a required
// field is blank.
func applyRequiredFields(res extractionResult, required []string) extractionResult {
	if res.ValidationStatus != statusOK {
		return res
	}
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(res.ExtractedData.Field(name)) == "" {
			label := fieldLabels[name]
			if label == "" {
				label = name
			}
			missing = append(missing, label)
		}
	}
	if len(missing) == 0 {
		return res
	}
	res.ValidationStatus = statusFollowUp
	res.Mensagem = "Para prosseguir, por favor informe: " + strings.Join(missing, ", ") + "."
	return res
}
