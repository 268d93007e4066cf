package coach

import (
	"fmt"
	"strings"

	"github.com/chadiek/sales-coach/internal/agent"
)

// Affirmative is the only stage-one answer that leads to tip generation.
const Affirmative = "Sim"

// FallbackTipText is shown when the advisor cannot produce a tip.
const FallbackTipText = "Não foi possível gerar uma dica neste momento."

const roleLegend = "Na transcrição, AGENT é o vendedor e COUNTERPART é o cliente."

const opportunitySystem = `Você é um assistente de vendas especializado em técnicas de vendas (incluindo SPIN e metodologias consultivas),
e deve avaliar a conversa entre um vendedor e um cliente.
` + roleLegend + `
Você tem os seguintes objetivos:
- Identificar a etapa atual da venda.
- Detectar se o vendedor está precisando de ajuda (ex: falando demais, não deixando o cliente falar, etc.).
- Caso perceba que o vendedor precise de uma sugestão de melhoria, responda "Sim".
- Caso contrário, responda apenas "Não".

Responda sempre exatamente com "Sim" ou "Não".`

const tipSystem = `Você é um assistente de vendas especializado em técnicas de vendas (incluindo SPIN e metodologias consultivas).
Você vai dar uma dica rápida para o vendedor continuar a conversa de forma mais efetiva.
` + roleLegend + `
Considere as 7 etapas do processo de vendas:
1) Abordagem e Contato Inicial
2) Qualificação
3) Apresentação e Demonstração de Valor
4) Tratamento de Objeções
5) Negociação
6) Fechamento
7) Pós-venda e Fidelização

Formate sua resposta no seguinte formato JSON:
{
  "text": "Sua dica aqui",
  "severity": "normal | warning | alert"
}

As severidades são:
- normal: dicas de melhoria gerais
- warning: alertas quando o vendedor começa a se desviar
- alert: alertas urgentes quando há problemas sérios (como monólogo, interrupções constantes, etc.)

A dica deve ser objetiva, clara e focada na ação que o vendedor deve tomar neste momento.`

// FormatTranscript renders utterances as numbered "<i>. <ROLE>: <text>" lines.
func FormatTranscript(conv []agent.Utterance) string {
	var b strings.Builder
	for i, u := range conv {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%d. %s: %s", i+1, strings.ToUpper(string(u.Role)), u.Text)
	}
	return b.String()
}

func opportunityPrompt(transcript string) string {
	return "Aqui está a conversa atual entre vendedor e cliente:\n\n" +
		transcript +
		"\n\nCom base nessa conversa, devo dar uma dica agora?\nResponda somente \"Sim\" ou \"Não\"."
}

func tipPrompt(transcript string) string {
	return "Esta é a conversa até agora:\n\n" +
		transcript +
		"\n\nCom base nessa conversa, que dica você daria ao vendedor agora? Responda apenas com o objeto JSON conforme o formato especificado."
}
