// Package engine – industry.go maps a detected business vertical to a
// system prompt template and an allowed tool subset. Detection prefers an
// existing lead tag over keyword scanning; nothing matching falls back to
// the generic vertical.
package engine

import (
	"strings"
)

// Industry describes one business vertical.
type Industry struct {
	// Key identifies the vertical ("restaurant", "retail", ...).
	Key string

	// Keywords trigger detection when they appear in the message text.
	Keywords []string

	// Tools is the vertical's tool subset. The effective offer to the
	// model is this set further intersected with the tenant allowlist.
	Tools []string

	// Template is the system prompt with {{variable}} placeholders.
	Template string

	// Defaults fills placeholders absent from the runtime context.
	Defaults map[string]string
}

// industries is the fixed vertical catalog, checked in order.
// The generic fallback is separate (see genericIndustry).
var industries = []Industry{
	{
		Key:      "restaurant",
		Keywords: []string{"menu", "cardápio", "cardapio", "pedido", "delivery", "reserva", "mesa", "prato", "lanche", "pizza"},
		Tools:    []string{"send_multimedia", "save_conversation_data", "analyze_customer_intent", "schedule_follow_up"},
		Template: `## Papel
Você é {{agent_name}}, atendente virtual do restaurante {{business_name}}.

## Contexto
{{business_context}}

## Objetivos
{{objectives}}
- Envie o cardápio quando o cliente pedir (tool send_multimedia, purpose "menu").
- Registre pedidos e reservas com save_conversation_data.

## Regras
- Responda em {{language}}, de forma curta e cordial.
- Nunca invente itens ou preços que não conhece.`,
		Defaults: map[string]string{
			"agent_name":    "o assistente",
			"business_name": "nosso restaurante",
		},
	},
	{
		Key:      "retail",
		Keywords: []string{"catálogo", "catalogo", "produto", "estoque", "comprar", "preço", "preco", "loja", "entrega", "frete"},
		Tools:    []string{"send_multimedia", "save_conversation_data", "analyze_customer_intent", "schedule_follow_up"},
		Template: `## Papel
Você é {{agent_name}}, vendedor virtual da loja {{business_name}}.

## Contexto
{{business_context}}

## Objetivos
{{objectives}}
- Envie o catálogo quando fizer sentido (tool send_multimedia, purpose "catalog").
- Qualifique o interesse do cliente com analyze_customer_intent.

## Regras
- Responda em {{language}}.
- Confirme itens e quantidades antes de registrar um pedido.`,
		Defaults: map[string]string{
			"agent_name":    "o assistente",
			"business_name": "nossa loja",
		},
	},
	{
		Key:      "healthcare",
		Keywords: []string{"consulta", "agendar", "médico", "medico", "clínica", "clinica", "exame", "dentista", "horário", "horario"},
		Tools:    []string{"save_conversation_data", "analyze_customer_intent", "schedule_follow_up"},
		Template: `## Papel
Você é {{agent_name}}, assistente de agendamento da clínica {{business_name}}.

## Contexto
{{business_context}}

## Objetivos
{{objectives}}
- Registre agendamentos com save_conversation_data (data_type "appointment").
- Agende lembretes de consulta com schedule_follow_up.

## Regras
- Responda em {{language}}.
- Nunca dê orientação médica; encaminhe dúvidas clínicas para um profissional.`,
		Defaults: map[string]string{
			"agent_name":    "o assistente",
			"business_name": "nossa clínica",
		},
	},
	{
		Key:      "real_estate",
		Keywords: []string{"imóvel", "imovel", "apartamento", "aluguel", "alugar", "casa", "visita", "condomínio", "condominio", "corretor"},
		Tools:    []string{"send_multimedia", "save_conversation_data", "analyze_customer_intent", "schedule_follow_up"},
		Template: `## Papel
Você é {{agent_name}}, consultor virtual da imobiliária {{business_name}}.

## Contexto
{{business_context}}

## Objetivos
{{objectives}}
- Qualifique o lead (orçamento, região, prazo) com analyze_customer_intent.
- Agende visitas com save_conversation_data e lembretes com schedule_follow_up.

## Regras
- Responda em {{language}}.
- Colete orçamento e região antes de sugerir imóveis.`,
		Defaults: map[string]string{
			"agent_name":    "o assistente",
			"business_name": "nossa imobiliária",
		},
	},
}

// genericIndustry is the fallback vertical when nothing matches.
var genericIndustry = Industry{
	Key:   "generic",
	Tools: []string{"send_multimedia", "save_conversation_data", "analyze_customer_intent", "schedule_follow_up"},
	Template: `## Papel
Você é {{agent_name}}, atendente virtual de {{business_name}}.

## Contexto
{{business_context}}

## Objetivos
{{objectives}}

## Regras
- Responda em {{language}}, de forma curta e cordial.
- Registre dados relevantes da conversa com as ferramentas disponíveis.`,
	Defaults: map[string]string{
		"agent_name":    "o assistente",
		"business_name": "nossa empresa",
	},
}

// DetectIndustry resolves the business vertical for a message.
// A lead tag matching an industry key wins over keyword scanning; keyword
// scanning wins over the generic fallback.
func DetectIndustry(message string, existingTags []string) Industry {
	for _, tag := range existingTags {
		for _, ind := range industries {
			if strings.EqualFold(tag, ind.Key) {
				return ind
			}
		}
	}

	lower := strings.ToLower(message)
	for _, ind := range industries {
		for _, kw := range ind.Keywords {
			if strings.Contains(lower, kw) {
				return ind
			}
		}
	}
	return genericIndustry
}

// AllowsTool reports whether the vertical's tool subset contains name.
func (i *Industry) AllowsTool(name string) bool {
	for _, t := range i.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// RenderPrompt substitutes {{variable}} placeholders using the industry
// defaults overlaid with the runtime context, then truncates to maxLen while
// preserving section headers.
func (i *Industry) RenderPrompt(runtime map[string]string, maxLen int) string {
	vars := make(map[string]string, len(i.Defaults)+len(runtime))
	for k, v := range i.Defaults {
		vars[k] = v
	}
	for k, v := range runtime {
		if v != "" {
			vars[k] = v
		}
	}

	out := i.Template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	// Unresolved placeholders render as empty rather than leaking braces.
	for {
		start := strings.Index(out, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(out[start:], "}}")
		if end < 0 {
			break
		}
		out = out[:start] + out[start+end+2:]
	}

	if maxLen > 0 && len(out) > maxLen {
		out = truncatePreservingHeaders(out, maxLen)
	}
	return strings.TrimSpace(out)
}

// truncatePreservingHeaders shortens a prompt to roughly maxLen characters
// without dropping any "## " section header: body lines are cut from the
// longest sections first, headers always survive.
func truncatePreservingHeaders(s string, maxLen int) string {
	lines := strings.Split(s, "\n")

	// Budget the overflow across non-header lines, longest first.
	excess := len(s) - maxLen
	type bodyLine struct {
		idx int
		n   int
	}
	var bodies []bodyLine
	for idx, line := range lines {
		if strings.HasPrefix(line, "## ") {
			continue
		}
		bodies = append(bodies, bodyLine{idx: idx, n: len(line)})
	}
	// Remove whole body lines from the end until within budget.
	for i := len(bodies) - 1; i >= 0 && excess > 0; i-- {
		b := bodies[i]
		lines[b.idx] = ""
		excess -= b.n + 1
	}

	var sb strings.Builder
	for _, line := range lines {
		if line == "" {
			continue
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
